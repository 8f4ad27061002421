package preset

import (
	"context"
	"encoding/json"
	"fmt"

	"dhis2bridge/internal/clinical"
)

func init() {
	register(KindDisease, func(params []byte) (Preset, error) {
		var p Disease
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return &p, nil
	})
}

// Disease counts diagnoses of one disease code within the reporting
// period, scoped to the mapping's org unit
type Disease struct {
	DiseaseCode string `json:"disease_code"`
}

func (p *Disease) Kind() Kind {
	return KindDisease
}

func (p *Disease) Validate() error {
	if p.DiseaseCode == "" {
		return fmt.Errorf("disease preset requires a disease code")
	}
	return nil
}

// Evaluate counts matching diagnoses. No matching records is a reportable
// zero, not an error.
func (p *Disease) Evaluate(ctx context.Context, src clinical.Source, scope Scope) (Value, error) {
	count, err := src.CountDiagnoses(ctx, p.DiseaseCode, scope.OrgUnitUID, scope.PeriodStart, scope.PeriodEnd)
	if err != nil {
		return Value{}, fmt.Errorf("count diagnoses for %s: %w", p.DiseaseCode, err)
	}
	return IntegerValue(count), nil
}
