package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Job is a unit of work held by a Broker.
type Job struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`

	// Attempt is 1 on first delivery and incremented by Broker.Retry.
	Attempt    int       `json:"attempt"`
	RunAt      time.Time `json:"run_at"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	LastError  string    `json:"last_error,omitempty"`
}

// NewJob builds a ready-to-run job with a fresh id.
func NewJob(kind string, payload any) (Job, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return Job{}, errors.New("job kind is required")
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	now := time.Now().UTC()
	return Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    b,
		Attempt:    1,
		RunAt:      now,
		EnqueuedAt: now,
	}, nil
}

// Decode unmarshals the payload into v. A malformed payload can never
// succeed, so the error is marked NoRetry.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return NoRetry(fmt.Errorf("decode %s payload: %w", j.Kind, err))
	}
	return nil
}

// Normalize fills defaults before a job is stored.
func (j Job) Normalize(now time.Time) Job {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Attempt <= 0 {
		j.Attempt = 1
	}
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = now
	}
	if j.RunAt.IsZero() {
		j.RunAt = now
	}
	return j
}
