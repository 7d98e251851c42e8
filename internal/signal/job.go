package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidJob = errors.New("invalid signal job")

// Job is the queue record produced by the webhook and consumed by the worker.
type Job struct {
	BotID     string    `json:"botId"`
	Signal    Kind      `json:"signal"`
	Timestamp time.Time `json:"timestamp"`
	Test      bool      `json:"test,omitempty"`
}

func (j Job) Validate() error {
	if j.BotID == "" {
		return fmt.Errorf("%w: botId is required", ErrInvalidJob)
	}
	if !j.Signal.Valid() {
		return fmt.Errorf("%w: unknown signal %q", ErrInvalidJob, j.Signal)
	}
	if j.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidJob)
	}
	return nil
}

// DecodeJob parses and validates a queued job.
func DecodeJob(body []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return job, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	return job, job.Validate()
}
