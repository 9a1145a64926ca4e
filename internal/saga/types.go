package saga

import (
	"context"
	"time"
)

// SagaState represents the current state of a saga execution
type SagaState string

const (
	SagaStateRunning     SagaState = "running"
	SagaStateCompleted   SagaState = "completed"
	SagaStateCompensated SagaState = "compensated"
)

// StepState represents the state of an individual step
type StepState string

const (
	StepStatePending     StepState = "pending"
	StepStateRunning     StepState = "running"
	StepStateCompleted   StepState = "completed"
	StepStateFailed      StepState = "failed"
	StepStateCompensated StepState = "compensated"
)

// SagaID uniquely identifies a saga run
type SagaID string

// StepID uniquely identifies a step within a saga
type StepID string

// SagaData is shared between the steps of one run. Steps read what earlier
// steps stored.
type SagaData map[string]any

// String returns a string value stored under key, or "".
func (d SagaData) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// Step is a single unit of a saga. Compensate undoes a completed Execute.
type Step interface {
	ID() StepID
	Execute(ctx context.Context, data SagaData) error
	Compensate(ctx context.Context, data SagaData) error
}

// Definition lists the steps of a saga in execution order.
type Definition interface {
	ID() string
	Steps() []Step
	Timeout() time.Duration
}

// Instance is the record of one saga run.
type Instance struct {
	ID          SagaID          `json:"id"`
	Definition  string          `json:"definition"`
	State       SagaState       `json:"state"`
	Steps       []StepExecution `json:"steps"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// StepExecution represents the execution state of a step
type StepExecution struct {
	ID          StepID     `json:"id"`
	State       StepState  `json:"state"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Event is emitted on every saga and step transition.
type Event struct {
	SagaID    SagaID    `json:"sagaId"`
	StepID    StepID    `json:"stepId,omitempty"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// Event types
const (
	EventSagaStarted     = "saga_started"
	EventSagaCompleted   = "saga_completed"
	EventSagaCompensated = "saga_compensated"
	EventStepStarted     = "step_started"
	EventStepCompleted   = "step_completed"
	EventStepFailed      = "step_failed"
	EventStepCompensated = "step_compensated"
)

// StepFunc adapts plain functions to Step.
type StepFunc struct {
	Name     StepID
	Run      func(ctx context.Context, data SagaData) error
	Rollback func(ctx context.Context, data SagaData) error
}

func (s StepFunc) ID() StepID { return s.Name }

func (s StepFunc) Execute(ctx context.Context, data SagaData) error {
	return s.Run(ctx, data)
}

func (s StepFunc) Compensate(ctx context.Context, data SagaData) error {
	if s.Rollback == nil {
		return nil
	}
	return s.Rollback(ctx, data)
}
