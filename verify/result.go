package verify

// Result is the shared verdict shape returned by every check in the pipeline.
// Reason is populated only on failure and must be human-diagnosable.
type Result struct {
	Valid    bool           `json:"isValid"`
	Reason   string         `json:"reason,omitempty"`
	Degraded bool           `json:"degraded,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// Pass builds a successful result.
func Pass() Result {
	return Result{Valid: true}
}

// PassWith builds a successful result carrying check-specific data.
func PassWith(data map[string]any) Result {
	return Result{Valid: true, Data: data}
}

// Fail builds a failed result with a diagnosable reason.
func Fail(reason string) Result {
	return Result{Reason: reason}
}

// FailWith builds a failed result carrying check-specific data.
func FailWith(reason string, data map[string]any) Result {
	return Result{Reason: reason, Data: data}
}
