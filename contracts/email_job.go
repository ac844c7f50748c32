package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// Priority controls broker-side dispatch ordering for queued jobs.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// BrokerPriority maps a Priority to the numeric AMQP priority value.
// Unknown values map to normal.
func (p Priority) BrokerPriority() uint8 {
	switch p {
	case PriorityHigh:
		return 10
	case PriorityLow:
		return 1
	default:
		return 5
	}
}

// IsValid reports whether p is one of the known priority levels.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// EmailJob is the unit of work placed on the email queue. Template and
// Context are opaque to the pipeline; they exist for collaborator-side
// rendering. RetryCount counts previous failed delivery attempts and is
// mirrored into the x-retry-count message header, which is the
// authoritative copy read by the worker.
type EmailJob struct {
	To         string         `json:"to"`
	Subject    string         `json:"subject"`
	HTML       string         `json:"html,omitempty"`
	Text       string         `json:"text,omitempty"`
	Template   string         `json:"template,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	Priority   Priority       `json:"priority"`
	Timestamp  time.Time      `json:"timestamp"`
	RetryCount int            `json:"retryCount"`
}

// Validate checks the fields the pipeline itself depends on.
func (j *EmailJob) Validate() error {
	if j.To == "" {
		return fmt.Errorf("%w: missing recipient", ErrInvalidJob)
	}
	if j.Subject == "" {
		return fmt.Errorf("%w: missing subject", ErrInvalidJob)
	}
	if j.RetryCount < 0 {
		return fmt.Errorf("%w: negative retry count", ErrInvalidJob)
	}
	if j.Priority != "" && !j.Priority.IsValid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidJob, j.Priority)
	}
	return nil
}

// Marshal serializes the job to its JSON wire format.
func (j *EmailJob) Marshal() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal email job: %w", err)
	}
	return data, nil
}

// UnmarshalEmailJob parses a message body into an EmailJob. The priority
// field defaults to normal when absent.
func UnmarshalEmailJob(body []byte) (*EmailJob, error) {
	var job EmailJob
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	if job.Priority == "" {
		job.Priority = PriorityNormal
	}
	return &job, nil
}
