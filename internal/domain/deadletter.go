package domain

import "time"

// DeadLetter holds a terminally failed event with enough context for
// manual intervention.
type DeadLetter struct {
	ID            string
	Topic         string
	OriginalEvent []byte
	ErrorMessage  string
	ErrorType     string
	CorrelationID string
	RetryCount    int
	MaxRetries    int
	Timestamp     time.Time
}
