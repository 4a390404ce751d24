package domain

// ViolationKind names a governance check that failed.
type ViolationKind string

const (
	ViolationLowQuality         ViolationKind = "low_quality"
	ViolationProhibitedCategory ViolationKind = "prohibited_category"
	ViolationProhibitedTerm     ViolationKind = "prohibited_term"
	ViolationPII                ViolationKind = "pii"
	ViolationDuplicate          ViolationKind = "duplicate"
)

// GovernanceAction is what the pipeline does with a violation kind.
type GovernanceAction string

const (
	ActionRedact GovernanceAction = "redact"
	ActionRefuse GovernanceAction = "refuse"
)

// Span is a half-open byte range [Start, End) of the generated text.
type Span struct {
	Start int
	End   int
	Kind  ViolationKind
}

// GovernanceVerdict is attached to a pipeline response and never stored with items.
type GovernanceVerdict struct {
	Passed     bool
	Violations []ViolationKind
	Redactions []Span
}

// HasViolation reports whether kind is among the verdict's violations.
func (v GovernanceVerdict) HasViolation(kind ViolationKind) bool {
	for _, k := range v.Violations {
		if k == kind {
			return true
		}
	}
	return false
}

// IsValidViolationKind checks if a ViolationKind is valid
func IsValidViolationKind(k ViolationKind) bool {
	switch k {
	case ViolationLowQuality, ViolationProhibitedCategory, ViolationProhibitedTerm,
		ViolationPII, ViolationDuplicate:
		return true
	}
	return false
}

// IsValidGovernanceAction checks if a GovernanceAction is valid
func IsValidGovernanceAction(a GovernanceAction) bool {
	return a == ActionRedact || a == ActionRefuse
}
