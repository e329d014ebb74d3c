package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"replenishment-engine/internal/broker"
	"replenishment-engine/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu       sync.Mutex
	triggers []models.RunTrigger
	err      error
}

func (r *fakeRunner) Run(ctx context.Context, trigger models.RunTrigger) (*models.RunReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers = append(r.triggers, trigger)
	if r.err != nil {
		return nil, r.err
	}
	return &models.RunReport{RunID: "run-1", Trigger: trigger}, nil
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.triggers)
}

type fakeMovements struct {
	consumed, received int
}

func (m *fakeMovements) HandleStockConsumed(ctx context.Context, event *models.StockMovementEvent) error {
	m.consumed += event.Quantity
	return nil
}

func (m *fakeMovements) HandleStockReceived(ctx context.Context, event *models.StockMovementEvent) error {
	m.received += event.Quantity
	return nil
}

// sliceSource replays fixed messages and returns
type sliceSource struct {
	messages []kafka.Message
	closed   bool
}

func (s *sliceSource) StartConsuming(ctx context.Context, handler broker.MessageHandler) error {
	for _, msg := range s.messages {
		if err := handler(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *sliceSource) Close() error {
	s.closed = true
	return nil
}

func encode(t *testing.T, event interface{}) kafka.Message {
	t.Helper()
	b, err := json.Marshal(event)
	require.NoError(t, err)
	return kafka.Message{Value: b}
}

func TestRunWorkerStartsEventRun(t *testing.T) {
	runner := &fakeRunner{}
	src := &sliceSource{messages: []kafka.Message{
		encode(t, models.RunRequestedEvent{
			BaseEvent:   models.BaseEvent{EventID: "e1", EventType: models.EventTypeRunRequested},
			RequestedBy: "ops",
		}),
	}}
	w := NewRunWorker(src, runner)

	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop())

	assert.Equal(t, []models.RunTrigger{models.TriggerEvent}, runner.triggers)
	assert.True(t, src.closed)
}

func TestRunWorkerDropsRequestWhileRunning(t *testing.T) {
	runner := &fakeRunner{err: models.ErrRunInProgress}
	w := NewRunWorker(&sliceSource{}, runner)

	msg := encode(t, models.RunRequestedEvent{
		BaseEvent: models.BaseEvent{EventID: "e1", EventType: models.EventTypeRunRequested},
	})
	assert.NoError(t, w.HandleMessage(context.Background(), msg))
}

func TestStockMovementWorkerRoutesEvents(t *testing.T) {
	movements := &fakeMovements{}
	src := &sliceSource{messages: []kafka.Message{
		encode(t, models.StockMovementEvent{
			BaseEvent: models.BaseEvent{EventID: "e1", EventType: models.EventTypeStockConsumed},
			Quantity:  4,
		}),
		encode(t, models.StockMovementEvent{
			BaseEvent: models.BaseEvent{EventID: "e2", EventType: models.EventTypeStockReceived},
			Quantity:  10,
		}),
	}}

	require.NoError(t, NewStockMovementWorker(src, movements).Start(context.Background()))

	assert.Equal(t, 4, movements.consumed)
	assert.Equal(t, 10, movements.received)
}

func TestSchedulerTriggersRuns(t *testing.T) {
	runner := &fakeRunner{}
	s := NewScheduler(runner, 5*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	assert.Eventually(t, func() bool { return runner.count() >= 2 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, models.TriggerSchedule, runner.triggers[0])
}

func TestSchedulerDisabled(t *testing.T) {
	runner := &fakeRunner{}
	s := NewScheduler(runner, 0, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, s.Start(ctx), context.DeadlineExceeded)
	assert.Zero(t, runner.count())
}
