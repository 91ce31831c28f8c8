package bulk

import (
	"fmt"
	"time"
)

// Outcome is the result of sending to one recipient.
type Outcome struct {
	Email     string `json:"email"`
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Attempts  int    `json:"attempts"`

	// Err is the last send error, kept for errors.Is checks in process.
	Err error `json:"-"`
}

// Summary describes a finished or interrupted run.
type Summary struct {
	RunID       string    `json:"run_id"`
	Provider    string    `json:"provider"`
	Success     bool      `json:"success"`
	Total       int       `json:"total"`
	Successful  int       `json:"successful"`
	Failed      int       `json:"failed"`
	SuccessRate string    `json:"success_rate"`
	Outcomes    []Outcome `json:"outcomes"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Failures returns the failed outcomes in run order.
func (s *Summary) Failures() []Outcome {
	var failed []Outcome
	for _, o := range s.Outcomes {
		if !o.Success {
			failed = append(failed, o)
		}
	}
	return failed
}

// Completed is the number of recipients with an outcome. It is below Total
// only for an interrupted run.
func (s *Summary) Completed() int { return len(s.Outcomes) }

// FormatRate renders successful/total as a percentage with one decimal.
func FormatRate(successful, total int) string {
	if total == 0 {
		return "0.0"
	}
	return fmt.Sprintf("%.1f", float64(successful)/float64(total)*100)
}
