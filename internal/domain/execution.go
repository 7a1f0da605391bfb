package domain

import (
	"time"
)

// JobExecution represents a single run of a job instance.
type JobExecution struct {
	ID          int64         `json:"id"`
	InstanceID  int64         `json:"instance_id"`
	BatchStatus BatchStatus   `json:"batch_status"`
	ExitStatus  string        `json:"exit_status,omitempty"`
	Parameters  JobParameters `json:"parameters,omitempty"`
	ServerID    string        `json:"server_id,omitempty"` // node that ran the execution
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Parameter is one job parameter. Order is significant.
type Parameter struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// JobParameters is an ordered list of job parameters.
type JobParameters []Parameter

// CorrelationIDKey is the reserved parameter key carrying an event correlation id.
const CorrelationIDKey = "batch.events.correlationId"

// Get returns the first value stored under key.
func (p JobParameters) Get(key string) (string, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// CorrelationID returns the reserved correlation id, or "".
func (p JobParameters) CorrelationID() string {
	v, _ := p.Get(CorrelationIDKey)
	return v
}

// Map flattens the parameters; later keys win.
func (p JobParameters) Map() map[string]string {
	m := make(map[string]string, len(p))
	for _, kv := range p {
		m[kv.Key] = kv.Value
	}
	return m
}
