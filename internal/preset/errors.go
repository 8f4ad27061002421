package preset

import "fmt"

// UnsafePresetError is raised at configuration time when a raw query
// preset contains statements that could mutate local data. Such presets
// are never evaluated.
type UnsafePresetError struct {
	Reason string
}

func (e *UnsafePresetError) Error() string {
	return fmt.Sprintf("unsafe preset rejected: %s", e.Reason)
}

// EvaluationError is a per-mapping evaluation failure. It is isolated:
// the export engine records it and continues with other mappings.
type EvaluationError struct {
	MappingID    string
	Reason       string
	TypeMismatch bool
	Err          error
}

func (e *EvaluationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("evaluation failed for mapping %s: %s: %v", e.MappingID, e.Reason, e.Err)
	}
	return fmt.Sprintf("evaluation failed for mapping %s: %s", e.MappingID, e.Reason)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}
