package saga

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type testDefinition struct {
	steps   []Step
	timeout time.Duration
}

func (d testDefinition) ID() string             { return "test" }
func (d testDefinition) Steps() []Step          { return d.steps }
func (d testDefinition) Timeout() time.Duration { return d.timeout }

func recordingStep(name string, log *[]string, fail error) StepFunc {
	return StepFunc{
		Name: StepID(name),
		Run: func(_ context.Context, data SagaData) error {
			*log = append(*log, "run:"+name)
			if fail != nil {
				return fail
			}
			data[name] = "done"
			return nil
		},
		Rollback: func(context.Context, SagaData) error {
			*log = append(*log, "undo:"+name)
			return nil
		},
	}
}

func TestRunCompletesAllSteps(t *testing.T) {
	var log []string
	m := NewManager(zaptest.NewLogger(t))
	data := SagaData{}

	id, err := m.Run(context.Background(), testDefinition{steps: []Step{
		recordingStep("status", &log, nil),
		recordingStep("load", &log, nil),
	}}, data)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if len(log) != 2 || log[0] != "run:status" || log[1] != "run:load" {
		t.Errorf("Expected steps to run in order, got %v", log)
	}
	if data.String("load") != "done" {
		t.Errorf("Expected step data to be shared, got %v", data)
	}

	instance, ok := m.GetSaga(id)
	if !ok {
		t.Fatal("Expected saga record to exist")
	}
	if instance.State != SagaStateCompleted {
		t.Errorf("Expected completed state, got %s", instance.State)
	}
	for _, step := range instance.Steps {
		if step.State != StepStateCompleted {
			t.Errorf("Expected step %s completed, got %s", step.ID, step.State)
		}
	}
}

func TestRunAbortsOnFirstFailureAndCompensates(t *testing.T) {
	var log []string
	boom := errors.New("boom")
	m := NewManager(zaptest.NewLogger(t))

	id, err := m.Run(context.Background(), testDefinition{steps: []Step{
		recordingStep("a", &log, nil),
		recordingStep("b", &log, nil),
		recordingStep("c", &log, boom),
		recordingStep("d", &log, nil),
	}}, SagaData{})

	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.StepID != "c" || !errors.Is(err, boom) {
		t.Fatalf("Expected StepError for c wrapping boom, got %v", err)
	}

	want := []string{"run:a", "run:b", "run:c", "undo:b", "undo:a"}
	if len(log) != len(want) {
		t.Fatalf("Expected %v, got %v", want, log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Errorf("Expected %s at %d, got %s", want[i], i, log[i])
		}
	}

	instance, _ := m.GetSaga(id)
	if instance.State != SagaStateCompensated {
		t.Errorf("Expected compensated state, got %s", instance.State)
	}
	if instance.Steps[3].State != StepStatePending {
		t.Errorf("Expected step d to stay pending, got %s", instance.Steps[3].State)
	}
}

func TestRunRespectsTimeout(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	slow := StepFunc{
		Name: "slow",
		Run: func(ctx context.Context, _ SagaData) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}

	_, err := m.Run(context.Background(), testDefinition{steps: []Step{slow}, timeout: 10 * time.Millisecond}, SagaData{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestEventsEmitted(t *testing.T) {
	var log []string
	m := NewManager(zaptest.NewLogger(t))
	m.Run(context.Background(), testDefinition{steps: []Step{recordingStep("a", &log, nil)}}, SagaData{})

	var types []string
	for len(m.EventChannel()) > 0 {
		types = append(types, (<-m.EventChannel()).Type)
	}
	want := []string{EventSagaStarted, EventStepStarted, EventStepCompleted, EventSagaCompleted}
	if len(types) != len(want) {
		t.Fatalf("Expected events %v, got %v", want, types)
	}
}
