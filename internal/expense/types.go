package expense

import (
	"errors"
	"fmt"
	"strings"
)

// Payload is the concrete expense record submitted to the remote API.
// Inside a template, string fields may still carry {placeholder} tokens;
// the pipeline substitutes them before validation.
type Payload struct {
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Category    string  `json:"category,omitempty"`
	CostCenter  string  `json:"cost_center,omitempty"`
	Notes       string  `json:"notes,omitempty"`
}

// Validate checks the payload after substitution, before any remote call.
func (p Payload) Validate() error {
	if strings.TrimSpace(p.Description) == "" {
		return errors.New("expense: description is required")
	}
	if p.Amount <= 0 {
		return fmt.Errorf("expense: amount must be > 0, got %v", p.Amount)
	}
	if strings.TrimSpace(p.Currency) == "" {
		return errors.New("expense: currency is required")
	}
	return nil
}

// Draft is the remote identity handed out by the create step; the finalize
// and submit steps operate on it.
type Draft struct {
	ID string `json:"id"`
}

// ErrorKind classifies a failed remote call.
type ErrorKind string

const (
	KindNetwork    ErrorKind = "network"
	KindValidation ErrorKind = "validation"
	KindAuth       ErrorKind = "auth"
	KindRemote     ErrorKind = "remote"
)

// APIError is a classified remote failure. Attempts counts the transport
// attempts made before giving up (>= 1).
type APIError struct {
	Kind     ErrorKind
	Status   int
	Message  string
	Attempts int
	cause    error
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("expense api: %s (%s, status %d, %d attempts)", e.Message, e.Kind, e.Status, e.Attempts)
	}
	return fmt.Sprintf("expense api: %s (%s, %d attempts)", e.Message, e.Kind, e.Attempts)
}

func (e *APIError) Unwrap() error { return e.cause }

// AttemptsFromError extracts the attempt count from a classified error.
// Returns 1 for anything else, since at least one attempt was made.
func AttemptsFromError(err error) int {
	var ae *APIError
	if errors.As(err, &ae) && ae.Attempts > 0 {
		return ae.Attempts
	}
	return 1
}

// KindOf returns the classification of err, or KindRemote when unknown.
func KindOf(err error) ErrorKind {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindRemote
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 400 || status == 422:
		return KindValidation
	default:
		return KindRemote
	}
}

// retryable reports whether a failed attempt with this status is worth
// repeating. Validation and auth failures are permanent for one firing.
func retryable(status int) bool {
	return status == 429 || status >= 500
}
