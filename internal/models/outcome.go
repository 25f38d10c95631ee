package models

import "time"

type ErrorClass string

const (
	ErrorClassTransient ErrorClass = "transient"
	ErrorClassPermanent ErrorClass = "permanent"
)

type OutcomeKind string

const (
	OutcomeDecision OutcomeKind = "decision"
	OutcomeFailure  OutcomeKind = "failure"
)

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Decision is a judge's successful answer for one configuration.
type Decision struct {
	ChoiceID   string        `json:"choice_id"`
	Confidence float64       `json:"confidence"`
	Difficulty int           `json:"difficulty"`
	Rationale  string        `json:"rationale"`
	Latency    time.Duration `json:"latency"`
	Model      string        `json:"model,omitempty"`
	Usage      *Usage        `json:"usage,omitempty"`
}

// FailureRecord is the terminal outcome for a configuration that could not
// produce a decision.
type FailureRecord struct {
	Class    ErrorClass `json:"class"`
	Message  string     `json:"message"`
	Attempts int        `json:"attempts"`
}

// Outcome holds exactly one of Decision or Failure.
type Outcome struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Config    Configuration  `json:"config"`
	Decision  *Decision      `json:"decision,omitempty"`
	Failure   *FailureRecord `json:"failure,omitempty"`
	Attempts  int            `json:"attempts"`
	CreatedAt time.Time      `json:"created_at"`
}

func (o *Outcome) Kind() OutcomeKind {
	if o.Failure != nil {
		return OutcomeFailure
	}
	return OutcomeDecision
}
