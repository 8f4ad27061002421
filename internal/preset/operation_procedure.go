package preset

import (
	"context"
	"encoding/json"
	"fmt"

	"dhis2bridge/internal/clinical"
)

func init() {
	register(KindOperationProcedure, func(params []byte) (Preset, error) {
		var p OperationProcedure
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return &p, nil
	})
}

// OperationProcedure counts performed operations with one procedure code
// within the reporting period, scoped to the mapping's org unit
type OperationProcedure struct {
	ProcedureCode string `json:"procedure_code"`
}

func (p *OperationProcedure) Kind() Kind {
	return KindOperationProcedure
}

func (p *OperationProcedure) Validate() error {
	if p.ProcedureCode == "" {
		return fmt.Errorf("operation_procedure preset requires a procedure code")
	}
	return nil
}

// Evaluate counts matching procedures, zero included
func (p *OperationProcedure) Evaluate(ctx context.Context, src clinical.Source, scope Scope) (Value, error) {
	count, err := src.CountProcedures(ctx, p.ProcedureCode, scope.OrgUnitUID, scope.PeriodStart, scope.PeriodEnd)
	if err != nil {
		return Value{}, fmt.Errorf("count procedures for %s: %w", p.ProcedureCode, err)
	}
	return IntegerValue(count), nil
}
