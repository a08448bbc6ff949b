package models

// AgentUtterance is one entry in a question trace's conversation log:
// a single builder, critic, or executor contribution, kept in emission
// order for the audit trail (§3, §6 "question_traces").
type AgentUtterance struct {
	Source  string `json:"source"` // "builder" | "critic" | "executor"
	Content string `json:"content"`
}

// IterationRecord is one append-only entry in a critic loop's history
// (§3): the DAG as built that iteration and the critic's feedback on
// it.
type IterationRecord struct {
	Iteration int             `json:"iteration"`
	DAG       *GeneratedDAG   `json:"dag"`
	Feedback  *CriticFeedback `json:"feedback"`
}

// QuestionTrace is the full audit record for one question, emitted
// once when its critic loop terminates (§3).
type QuestionTrace struct {
	Question   Question          `json:"question"`
	Iterations []IterationRecord `json:"iterations"`
	Result     *ExecutionResult  `json:"result,omitempty"`
	Utterances []AgentUtterance  `json:"utterances"`
}

// IterationCount returns the total number of iterations recorded.
func (t *QuestionTrace) IterationCount() int {
	return len(t.Iterations)
}

// Outcome classifies a completed question trace into one of the three
// outcomes the report aggregator tracks (§6 "detailed_results" /
// "failure_analysis"): "pass", "execution-failed", or "critic-exhausted".
func (t *QuestionTrace) Outcome() string {
	if t.Result == nil {
		return "critic-exhausted"
	}
	if t.Result.Success {
		return "pass"
	}
	return "execution-failed"
}

// Say appends an utterance to the trace's conversation log.
func (t *QuestionTrace) Say(source, content string) {
	t.Utterances = append(t.Utterances, AgentUtterance{Source: source, Content: content})
}
