package template

import (
	"time"

	"expensed/internal/expense"
	"expensed/internal/schedule"
)

// Template is a reusable expense payload with an optional recurrence rule.
//
// String fields of the snapshot may contain {placeholder} tokens that the
// pipeline substitutes at firing time.
type Template struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	Expense    expense.Payload `json:"expense"`
	Scheduling *schedule.Rule  `json:"scheduling,omitempty"`

	UseCount          int `json:"use_count"`
	ScheduledUseCount int `json:"scheduled_use_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// ExecutionRecord is one entry of a template's firing history.
// Records are append-only and never mutated after creation.
type ExecutionRecord struct {
	ID              string        `json:"id"`
	ExecutedAt      time.Time     `json:"executed_at"`
	Status          Status        `json:"status"`
	RemoteExpenseID string        `json:"remote_expense_id,omitempty"`
	Error           string        `json:"error,omitempty"`
	Duration        time.Duration `json:"duration"`
	Attempts        int           `json:"attempts"`
}
