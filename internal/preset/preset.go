// Package preset implements the pluggable value-computation strategies a
// data mapping binds to: disease counts, operation/procedure counts and
// operator-supplied raw queries. New kinds only need to implement the
// Preset contract and register a factory; the mapping registry stays
// unchanged.
package preset

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"dhis2bridge/internal/clinical"
)

// Kind tags a preset strategy
type Kind string

const (
	KindDisease            Kind = "disease"
	KindOperationProcedure Kind = "operation_procedure"
	KindRawQuery           Kind = "raw_query"
)

// Scope is the evaluation window for one mapping and period
type Scope struct {
	OrgUnitUID  string
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// Preset is the evaluation contract every strategy implements.
// Evaluate must be read-only and idempotent: re-running for the same
// scope yields the same value. Zero matching records is a valid zero
// result, not an error.
type Preset interface {
	Kind() Kind
	Validate() error
	Evaluate(ctx context.Context, src clinical.Source, scope Scope) (Value, error)
}

// factory builds a preset from its JSON parameters
type factory func(params []byte) (Preset, error)

var factories = map[Kind]factory{}

// register adds a preset kind. Called from init functions of the
// individual strategies.
func register(kind Kind, fn factory) {
	factories[kind] = fn
}

// Kinds returns the registered preset kinds, sorted
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Decode builds and validates a preset from its stored kind tag and
// parameter JSON. Validation failures (including unsafe raw queries)
// surface here, at configuration time, never at evaluation time.
func Decode(kind string, params []byte) (Preset, error) {
	fn, ok := factories[Kind(kind)]
	if !ok {
		return nil, fmt.Errorf("unknown preset kind %q", kind)
	}
	p, err := fn(params)
	if err != nil {
		return nil, fmt.Errorf("decode %s preset: %w", kind, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Encode serializes preset parameters for storage
func Encode(p Preset) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode %s preset: %w", p.Kind(), err)
	}
	return string(data), nil
}
