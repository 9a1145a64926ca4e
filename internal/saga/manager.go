// Package saga runs multi-step initialization sequences. Steps execute one
// after another in the caller's goroutine; the first failure stops the run
// and compensates the completed steps in reverse order.
package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const eventBufferSize = 100

// StepError reports which step aborted a run.
type StepError struct {
	SagaID SagaID
	StepID StepID
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("saga %s: step %s failed: %v", e.SagaID, e.StepID, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Manager runs saga definitions and keeps a record of each run.
type Manager struct {
	logger    *zap.Logger
	instances map[SagaID]*Instance
	eventChan chan Event
	mu        sync.RWMutex
}

// NewManager creates a new saga manager
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger:    logger,
		instances: make(map[SagaID]*Instance),
		eventChan: make(chan Event, eventBufferSize),
	}
}

// Run executes def synchronously and returns the first step error, wrapped
// in a *StepError.
func (m *Manager) Run(ctx context.Context, def Definition, data SagaData) (SagaID, error) {
	steps := def.Steps()
	sagaID := SagaID(fmt.Sprintf("%s_%d", def.ID(), time.Now().UnixNano()))

	stepExecs := make([]StepExecution, len(steps))
	for i, step := range steps {
		stepExecs[i] = StepExecution{ID: step.ID(), State: StepStatePending}
	}

	m.mu.Lock()
	m.instances[sagaID] = &Instance{
		ID:         sagaID,
		Definition: def.ID(),
		State:      SagaStateRunning,
		Steps:      stepExecs,
		StartedAt:  time.Now(),
	}
	m.mu.Unlock()

	m.emitEvent(Event{SagaID: sagaID, Type: EventSagaStarted, Timestamp: time.Now()})
	m.logger.Info("Saga started", zap.String("sagaID", string(sagaID)), zap.String("definition", def.ID()))

	if timeout := def.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for i, step := range steps {
		if err := m.executeStep(ctx, sagaID, i, step, data); err != nil {
			m.logger.Error("Step failed",
				zap.String("sagaID", string(sagaID)),
				zap.String("stepID", string(step.ID())),
				zap.Error(err))

			stepErr := &StepError{SagaID: sagaID, StepID: step.ID(), Err: err}
			m.compensate(context.WithoutCancel(ctx), sagaID, steps, i-1, data, stepErr)
			return sagaID, stepErr
		}
	}

	m.finish(sagaID, SagaStateCompleted, "")
	m.emitEvent(Event{SagaID: sagaID, Type: EventSagaCompleted, Timestamp: time.Now()})
	m.logger.Info("Saga completed", zap.String("sagaID", string(sagaID)))
	return sagaID, nil
}

func (m *Manager) executeStep(ctx context.Context, sagaID SagaID, index int, step Step, data SagaData) error {
	if err := ctx.Err(); err != nil {
		m.updateStep(sagaID, index, StepStateFailed, err.Error())
		return err
	}

	m.updateStep(sagaID, index, StepStateRunning, "")
	m.emitEvent(Event{SagaID: sagaID, StepID: step.ID(), Type: EventStepStarted, Timestamp: time.Now()})

	if err := step.Execute(ctx, data); err != nil {
		m.updateStep(sagaID, index, StepStateFailed, err.Error())
		m.emitEvent(Event{
			SagaID:    sagaID,
			StepID:    step.ID(),
			Type:      EventStepFailed,
			Timestamp: time.Now(),
			Error:     err.Error(),
		})
		return err
	}

	m.updateStep(sagaID, index, StepStateCompleted, "")
	m.emitEvent(Event{SagaID: sagaID, StepID: step.ID(), Type: EventStepCompleted, Timestamp: time.Now()})
	m.logger.Debug("Step completed",
		zap.String("sagaID", string(sagaID)),
		zap.String("stepID", string(step.ID())))
	return nil
}

// compensate undoes completed steps in reverse order, starting at last.
func (m *Manager) compensate(ctx context.Context, sagaID SagaID, steps []Step, last int, data SagaData, cause error) {
	for i := last; i >= 0; i-- {
		step := steps[i]
		m.logger.Info("Compensating step",
			zap.String("sagaID", string(sagaID)),
			zap.String("stepID", string(step.ID())))

		if err := step.Compensate(ctx, data); err != nil {
			m.logger.Error("Compensation failed",
				zap.String("sagaID", string(sagaID)),
				zap.String("stepID", string(step.ID())),
				zap.Error(err))
			continue
		}
		m.updateStep(sagaID, i, StepStateCompensated, "")
		m.emitEvent(Event{SagaID: sagaID, StepID: step.ID(), Type: EventStepCompensated, Timestamp: time.Now()})
	}

	m.finish(sagaID, SagaStateCompensated, cause.Error())
	m.emitEvent(Event{SagaID: sagaID, Type: EventSagaCompensated, Timestamp: time.Now(), Error: cause.Error()})
	m.logger.Info("Saga compensated", zap.String("sagaID", string(sagaID)))
}

// GetSaga returns a copy of the record of a run.
func (m *Manager) GetSaga(sagaID SagaID) (Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	instance, exists := m.instances[sagaID]
	if !exists {
		return Instance{}, false
	}
	out := *instance
	out.Steps = append([]StepExecution(nil), instance.Steps...)
	return out, true
}

func (m *Manager) updateStep(sagaID SagaID, index int, state StepState, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	instance, exists := m.instances[sagaID]
	if !exists || index >= len(instance.Steps) {
		return
	}
	now := time.Now()
	step := &instance.Steps[index]
	step.State = state
	switch state {
	case StepStateRunning:
		step.StartedAt = &now
	case StepStateCompleted, StepStateFailed:
		step.CompletedAt = &now
	}
	if errMsg != "" {
		step.Error = errMsg
	}
}

func (m *Manager) finish(sagaID SagaID, state SagaState, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if instance, exists := m.instances[sagaID]; exists {
		now := time.Now()
		instance.State = state
		instance.CompletedAt = &now
		instance.Error = errMsg
	}
}

func (m *Manager) emitEvent(event Event) {
	select {
	case m.eventChan <- event:
	default:
		m.logger.Debug("Event channel full, dropping event", zap.String("type", event.Type))
	}
}

// EventChannel returns the event channel for listening to saga events
func (m *Manager) EventChannel() <-chan Event {
	return m.eventChan
}
