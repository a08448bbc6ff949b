package models

// Deterministic suggestion strings produced by the critic (§4.5).
const (
	SuggestionFixStructural = "fix structural issues first"
	SuggestionFixLogic      = "review and fix the code logic in flagged nodes"
)

// CriticFeedback is the critic's immutable verdict for one DAG
// revision (§3). Approved is true iff the structural pass and every
// layer validation found no issues.
type CriticFeedback struct {
	Iteration   int               `json:"iteration"`
	Approved    bool              `json:"approved"`
	Verdict     string            `json:"verdict"`
	Layers      []LayerValidation `json:"layers"`
	Errors      []string          `json:"errors,omitempty"`
	Suggestions []string          `json:"suggestions,omitempty"`
}

// NewCriticFeedback aggregates per-layer validations plus a flat list
// of structural errors into one immutable feedback value, applying the
// deterministic suggestion rules from §4.5.
func NewCriticFeedback(verdict string, structuralErrors []string, layers []LayerValidation) CriticFeedback {
	approved := len(structuralErrors) == 0
	errs := append([]string{}, structuralErrors...)

	hasSemanticFailure := false
	for _, l := range layers {
		if !l.Approved {
			approved = false
			hasSemanticFailure = true
		}
		errs = append(errs, l.Issues...)
	}

	var suggestions []string
	if len(structuralErrors) > 0 {
		suggestions = append(suggestions, SuggestionFixStructural)
	}
	if hasSemanticFailure {
		suggestions = append(suggestions, SuggestionFixLogic)
	}

	return CriticFeedback{
		Approved:    approved,
		Verdict:     verdict,
		Layers:      layers,
		Errors:      errs,
		Suggestions: suggestions,
	}
}

// IssueCount returns the total number of specific errors the critic
// recorded, used by the critic_result progress event.
func (f *CriticFeedback) IssueCount() int {
	return len(f.Errors)
}
