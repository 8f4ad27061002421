package preset

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"dhis2bridge/internal/clinical"
)

func init() {
	register(KindRawQuery, func(params []byte) (Preset, error) {
		var p RawQuery
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return &p, nil
	})
}

const (
	// Named parameters the engine binds the period bounds to
	PlaceholderPeriodStart = "@period_start"
	PlaceholderPeriodEnd   = "@period_end"
)

// Tokens that indicate the query could mutate local data. Matched on word
// boundaries so column names like "updated_at" pass.
var unsafeTokens = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|create|truncate|grant|revoke|replace|merge|attach|pragma|vacuum|exec|execute)\b`)

// RawQuery runs an operator-supplied read-only query. The template must
// reference both period placeholders; the engine substitutes the period
// bounds at evaluation time. The first row's "value" column is the result.
type RawQuery struct {
	Query string `json:"query"`
}

func (p *RawQuery) Kind() Kind {
	return KindRawQuery
}

// Validate rejects unsafe or malformed templates at configuration time,
// before the query is ever executed
func (p *RawQuery) Validate() error {
	query := strings.TrimSpace(p.Query)
	if query == "" {
		return &UnsafePresetError{Reason: "empty query"}
	}

	upper := strings.ToUpper(query)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return &UnsafePresetError{Reason: "query must be a single SELECT statement"}
	}
	if strings.Contains(strings.TrimSuffix(query, ";"), ";") {
		return &UnsafePresetError{Reason: "query must not contain multiple statements"}
	}
	if match := unsafeTokens.FindString(query); match != "" {
		return &UnsafePresetError{Reason: fmt.Sprintf("query contains forbidden keyword %q", strings.ToUpper(match))}
	}
	if !strings.Contains(query, PlaceholderPeriodStart) || !strings.Contains(query, PlaceholderPeriodEnd) {
		return &UnsafePresetError{Reason: fmt.Sprintf(
			"query must reference both %s and %s", PlaceholderPeriodStart, PlaceholderPeriodEnd)}
	}
	return nil
}

// Evaluate runs the query with the period bounds bound and coerces the
// first row's "value" column. No rows is a reportable zero.
func (p *RawQuery) Evaluate(ctx context.Context, src clinical.Source, scope Scope) (Value, error) {
	rows, err := src.Query(ctx, strings.TrimSuffix(strings.TrimSpace(p.Query), ";"), scope.PeriodStart, scope.PeriodEnd)
	if err != nil {
		return Value{}, fmt.Errorf("raw query: %w", err)
	}
	if len(rows) == 0 {
		return IntegerValue(0), nil
	}

	raw, ok := rows[0]["value"]
	if !ok {
		return Value{}, fmt.Errorf("raw query result has no %q column", "value")
	}
	value, err := FromInterface(raw)
	if err != nil {
		return Value{}, fmt.Errorf("raw query result: %w", err)
	}
	return value, nil
}
