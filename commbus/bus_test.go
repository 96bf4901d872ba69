package commbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestBus() *InMemoryCommBus {
	return NewInMemoryCommBus(nil, 5*time.Second)
}

// countingHandler returns handler that counts calls
func countingHandler(counter *int32) HandlerFunc {
	return func(ctx context.Context, msg Message) (any, error) {
		atomic.AddInt32(counter, 1)
		return "ok", nil
	}
}

// failingHandler returns handler that always fails
func failingHandler(errMsg string) HandlerFunc {
	return func(ctx context.Context, msg Message) (any, error) {
		return nil, errors.New(errMsg)
	}
}

// abortingMiddleware aborts processing by returning nil
type abortingMiddleware struct{}

func (m *abortingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	return nil, nil
}

func (m *abortingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	return result, err
}

// trackingMiddleware records call order
type trackingMiddleware struct {
	order *[]string
	mu    *sync.Mutex
	name  string
}

func (m *trackingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	m.mu.Lock()
	*m.order = append(*m.order, m.name+"-before")
	m.mu.Unlock()
	return message, nil
}

func (m *trackingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	m.mu.Lock()
	*m.order = append(*m.order, m.name+"-after")
	m.mu.Unlock()
	return result, err
}

// modifyResultMiddleware wraps result in After
type modifyResultMiddleware struct{}

func (m *modifyResultMiddleware) Before(ctx context.Context, msg Message) (Message, error) {
	return msg, nil
}

func (m *modifyResultMiddleware) After(ctx context.Context, msg Message, result any, err error) (any, error) {
	if err != nil {
		return result, err
	}
	return map[string]any{"wrapped": result}, nil
}

// =============================================================================
// EVENT TESTS
// =============================================================================

func TestPublishEventMultipleSubscribers(t *testing.T) {
	bus := newTestBus()
	var a, b int32
	bus.Subscribe("ExceptionEscalated", countingHandler(&a))
	bus.Subscribe("ExceptionEscalated", countingHandler(&b))

	err := bus.Publish(context.Background(), &ExceptionEscalated{ExceptionID: "exc_1"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&a))
	assert.Equal(t, int32(1), atomic.LoadInt32(&b))
}

func TestPublishEventNoSubscribers(t *testing.T) {
	bus := newTestBus()
	assert.NoError(t, bus.Publish(context.Background(), &HandoffTransitioned{HandoffID: "ho_1"}))
}

func TestPublishSubscriberFailureDoesNotStopOthers(t *testing.T) {
	bus := newTestBus()
	var ok int32
	bus.Subscribe("HandoffTransitioned", failingHandler("boom"))
	bus.Subscribe("HandoffTransitioned", func(ctx context.Context, msg Message) (any, error) {
		panic("subscriber bug")
	})
	bus.Subscribe("HandoffTransitioned", countingHandler(&ok))

	assert.NoError(t, bus.Publish(context.Background(), &HandoffTransitioned{HandoffID: "ho_1"}))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ok))
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()
	var first, second int32
	unsubscribe := bus.Subscribe("WorkflowStatusChanged", countingHandler(&first))
	bus.Subscribe("WorkflowStatusChanged", countingHandler(&second))
	assert.Equal(t, 2, bus.SubscriberCount("WorkflowStatusChanged"))

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 1, bus.SubscriberCount("WorkflowStatusChanged"))

	require.NoError(t, bus.Publish(context.Background(), &WorkflowStatusChanged{WorkflowID: "wf_1"}))
	assert.Equal(t, int32(0), atomic.LoadInt32(&first))
	assert.Equal(t, int32(1), atomic.LoadInt32(&second))
}

// =============================================================================
// QUERY AND COMMAND TESTS
// =============================================================================

func TestQueryWithHandler(t *testing.T) {
	bus := newTestBus()
	err := bus.RegisterHandler("GetHandoffStatus", func(ctx context.Context, msg Message) (any, error) {
		q := msg.(*GetHandoffStatus)
		return &HandoffStatusResponse{HandoffID: q.HandoffID, Found: true, State: "accepted"}, nil
	})
	require.NoError(t, err)

	result, err := bus.QuerySync(context.Background(), &GetHandoffStatus{HandoffID: "ho_1"})
	require.NoError(t, err)
	resp := result.(*HandoffStatusResponse)
	assert.Equal(t, "accepted", resp.State)
}

func TestQueryWithoutHandler(t *testing.T) {
	bus := newTestBus()
	_, err := bus.QuerySync(context.Background(), &GetHandoffStatus{HandoffID: "ho_1"})
	var noHandler *NoHandlerError
	require.ErrorAs(t, err, &noHandler)
	assert.Equal(t, "GetHandoffStatus", noHandler.MessageType)
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestQueryTimeout(t *testing.T) {
	bus := NewInMemoryCommBus(nil, 20*time.Millisecond)
	require.NoError(t, bus.RegisterHandler("HealthCheckRequest", func(ctx context.Context, msg Message) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	_, err := bus.QuerySync(context.Background(), &HealthCheckRequest{Component: "store"})
	var timeout *QueryTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Contains(t, timeout.Error(), "HealthCheckRequest")
	assert.Equal(t, 20*time.Millisecond, timeout.Timeout)
	assert.ErrorIs(t, err, ErrQueryTimeout)
}

func TestRegisterDuplicateHandler(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.RegisterHandler("NotifySupervisors", failingHandler("x")))
	err := bus.RegisterHandler("NotifySupervisors", failingHandler("y"))
	var dup *HandlerAlreadyRegisteredError
	require.ErrorAs(t, err, &dup)
	assert.ErrorIs(t, err, ErrHandlerRegistered)
	assert.True(t, bus.HasHandler("NotifySupervisors"))
}

func TestSendCommand(t *testing.T) {
	bus := newTestBus()
	ctx := context.Background()

	// No handler: dropped.
	assert.NoError(t, bus.Send(ctx, &NotifySupervisors{ExceptionID: "exc_1"}))

	var calls int32
	require.NoError(t, bus.RegisterHandler("NotifySupervisors", countingHandler(&calls)))
	assert.NoError(t, bus.Send(ctx, &NotifySupervisors{ExceptionID: "exc_1"}))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	bus.Clear()
	require.NoError(t, bus.RegisterHandler("NotifySupervisors", failingHandler("pager down")))
	assert.EqualError(t, bus.Send(ctx, &NotifySupervisors{}), "pager down")
}

// =============================================================================
// MIDDLEWARE TESTS
// =============================================================================

func TestMiddlewareChainOrder(t *testing.T) {
	bus := newTestBus()
	var order []string
	var mu sync.Mutex
	bus.AddMiddleware(&trackingMiddleware{order: &order, mu: &mu, name: "mw1"})
	bus.AddMiddleware(&trackingMiddleware{order: &order, mu: &mu, name: "mw2"})
	require.NoError(t, bus.RegisterHandler("GetHandoffStatus", func(ctx context.Context, msg Message) (any, error) {
		return "ok", nil
	}))

	_, err := bus.QuerySync(context.Background(), &GetHandoffStatus{})
	require.NoError(t, err)
	assert.Equal(t, []string{"mw1-before", "mw2-before", "mw2-after", "mw1-after"}, order)
}

func TestMiddlewareAbort(t *testing.T) {
	bus := newTestBus()
	var calls int32
	bus.Subscribe("ExceptionRaised", countingHandler(&calls))
	bus.AddMiddleware(&abortingMiddleware{})

	require.NoError(t, bus.Publish(context.Background(), &ExceptionRaised{}))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))

	_, err := bus.QuerySync(context.Background(), &GetHandoffStatus{})
	assert.Error(t, err)
}

func TestMiddlewareAfterModifiesResult(t *testing.T) {
	bus := newTestBus()
	bus.AddMiddleware(&modifyResultMiddleware{})
	require.NoError(t, bus.RegisterHandler("GetHandoffStatus", func(ctx context.Context, msg Message) (any, error) {
		return "raw", nil
	}))

	result, err := bus.QuerySync(context.Background(), &GetHandoffStatus{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"wrapped": "raw"}, result)
}

func TestLoggingMiddleware(t *testing.T) {
	bus := newTestBus()
	logger := &captureLogger{}
	bus.AddMiddleware(NewLoggingMiddleware(logger))
	require.NoError(t, bus.RegisterHandler("NotifySupervisors", failingHandler("down")))

	_ = bus.Send(context.Background(), &NotifySupervisors{})
	assert.True(t, logger.has("commbus_message"))
	assert.True(t, logger.has("commbus_message_failed"))
}

// =============================================================================
// CIRCUIT BREAKER TESTS
// =============================================================================

func TestCircuitBreakerOpensAndBlocks(t *testing.T) {
	bus := newTestBus()
	ctx := context.Background()
	cb := NewCircuitBreakerMiddleware(nil, 2, time.Hour, nil)
	bus.AddMiddleware(cb)

	var calls int32
	require.NoError(t, bus.RegisterHandler("HealthCheckRequest", func(ctx context.Context, msg Message) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("store down")
	}))

	_, _ = bus.QuerySync(ctx, &HealthCheckRequest{})
	_, _ = bus.QuerySync(ctx, &HealthCheckRequest{})
	assert.Equal(t, "open", cb.GetStates()["HealthCheckRequest"])

	_, err := bus.QuerySync(ctx, &HealthCheckRequest{})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	name := "HealthCheckRequest"
	cb.Reset(&name)
	assert.Empty(t, cb.GetStates())
}

func TestCircuitBreakerHalfOpenSuccessCloses(t *testing.T) {
	bus := newTestBus()
	ctx := context.Background()
	cb := NewCircuitBreakerMiddleware(nil, 1, 20*time.Millisecond, nil)
	bus.AddMiddleware(cb)

	var fail atomic.Bool
	fail.Store(true)
	require.NoError(t, bus.RegisterHandler("HealthCheckRequest", func(ctx context.Context, msg Message) (any, error) {
		if fail.Load() {
			return nil, errors.New("down")
		}
		return &HealthCheckResponse{Status: HealthStatusHealthy}, nil
	}))

	_, _ = bus.QuerySync(ctx, &HealthCheckRequest{})
	assert.Equal(t, "open", cb.GetStates()["HealthCheckRequest"])

	time.Sleep(30 * time.Millisecond)
	fail.Store(false)
	_, err := bus.QuerySync(ctx, &HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, "closed", cb.GetStates()["HealthCheckRequest"])
}

func TestCircuitBreakerExcludedTypes(t *testing.T) {
	bus := newTestBus()
	ctx := context.Background()
	cb := NewCircuitBreakerMiddleware(nil, 1, time.Hour, []string{"NotifySupervisors"})
	bus.AddMiddleware(cb)

	var calls int32
	require.NoError(t, bus.RegisterHandler("NotifySupervisors", func(ctx context.Context, msg Message) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("down")
	}))
	for i := 0; i < 3; i++ {
		_ = bus.Send(ctx, &NotifySupervisors{})
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.NotContains(t, cb.GetStates(), "NotifySupervisors")
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	bus := newTestBus()
	var delivered int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unsub := bus.Subscribe("HandoffTransitioned", countingHandler(&delivered))
			unsub()
		}()
		go func() {
			defer wg.Done()
			_ = bus.Publish(context.Background(), &HandoffTransitioned{})
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, bus.SubscriberCount("HandoffTransitioned"))
}

func TestGetMessageType(t *testing.T) {
	tests := []struct {
		msg      Message
		want     string
		category MessageCategory
	}{
		{&HandoffTransitioned{}, "HandoffTransitioned", MessageCategoryEvent},
		{&ExceptionRaised{}, "ExceptionRaised", MessageCategoryEvent},
		{&ExceptionEscalated{}, "ExceptionEscalated", MessageCategoryEvent},
		{&WorkflowStatusChanged{}, "WorkflowStatusChanged", MessageCategoryEvent},
		{&NotifySupervisors{}, "NotifySupervisors", MessageCategoryCommand},
		{&GetHandoffStatus{}, "GetHandoffStatus", MessageCategoryQuery},
		{&HealthCheckRequest{}, "HealthCheckRequest", MessageCategoryQuery},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, GetMessageType(tt.msg))
		assert.Equal(t, string(tt.category), tt.msg.Category(), tt.want)
	}
}
