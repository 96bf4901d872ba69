// Available middleware:
//   - LoggingMiddleware: structured logging of all messages
//   - CircuitBreakerMiddleware: failure protection per message type

package commbus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// LOGGING MIDDLEWARE
// =============================================================================

// LoggingMiddleware logs all message traffic at debug level and failures at warn.
type LoggingMiddleware struct {
	logger Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger Logger) *LoggingMiddleware {
	if logger == nil {
		logger = nopLogger{}
	}
	return &LoggingMiddleware{logger: logger}
}

// Before logs message receipt.
func (m *LoggingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	m.logger.Debug("commbus_message", "category", message.Category(), "type", GetMessageType(message))
	return message, nil
}

// After logs message completion.
func (m *LoggingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	if err != nil {
		m.logger.Warn("commbus_message_failed", "type", GetMessageType(message), "error", err.Error())
	} else {
		m.logger.Debug("commbus_message_completed", "type", GetMessageType(message))
	}
	return result, nil
}

// =============================================================================
// CIRCUIT BREAKER MIDDLEWARE
// =============================================================================

// CircuitState is the breaker position for one message type.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

type breaker struct {
	state       CircuitState
	failures    int
	lastFailure time.Time
}

// CircuitBreakerMiddleware stops routing a message type whose handlers keep
// failing.
//
// A type opens after failureThreshold consecutive failures (zero never
// opens). While open, messages fail with ErrCircuitOpen. After resetTimeout
// one trial message is let through; success closes the circuit, failure
// reopens it.
type CircuitBreakerMiddleware struct {
	logger           Logger
	failureThreshold int
	resetTimeout     time.Duration
	excluded         map[string]bool
	now              func() time.Time

	mu       sync.Mutex
	breakers map[string]*breaker
}

// NewCircuitBreakerMiddleware creates a breaker. Types in excludedTypes are
// never blocked.
func NewCircuitBreakerMiddleware(logger Logger, failureThreshold int, resetTimeout time.Duration, excludedTypes []string) *CircuitBreakerMiddleware {
	if logger == nil {
		logger = nopLogger{}
	}
	excluded := make(map[string]bool, len(excludedTypes))
	for _, t := range excludedTypes {
		excluded[t] = true
	}
	return &CircuitBreakerMiddleware{
		logger:           logger,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		excluded:         excluded,
		now:              time.Now,
		breakers:         make(map[string]*breaker),
	}
}

func (m *CircuitBreakerMiddleware) breakerFor(msgType string) *breaker {
	b, ok := m.breakers[msgType]
	if !ok {
		b = &breaker{state: CircuitClosed}
		m.breakers[msgType] = b
	}
	return b
}

// Before rejects messages of an open type.
func (m *CircuitBreakerMiddleware) Before(_ context.Context, message Message) (Message, error) {
	msgType := GetMessageType(message)
	if m.excluded[msgType] {
		return message, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.breakerFor(msgType)
	if b.state != CircuitOpen {
		return message, nil
	}
	if m.now().Sub(b.lastFailure) < m.resetTimeout {
		m.logger.Debug("circuit_open_blocked", "type", msgType)
		return nil, fmt.Errorf("%s: %w", msgType, ErrCircuitOpen)
	}
	b.state = CircuitHalfOpen
	m.logger.Info("circuit_half_open", "type", msgType)
	return message, nil
}

// After records the outcome of a delivered message.
func (m *CircuitBreakerMiddleware) After(_ context.Context, message Message, result any, err error) (any, error) {
	msgType := GetMessageType(message)
	if m.excluded[msgType] {
		return result, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.breakerFor(msgType)

	if err == nil {
		if b.state == CircuitHalfOpen {
			m.logger.Info("circuit_closed", "type", msgType)
		}
		b.state, b.failures = CircuitClosed, 0
		return result, nil
	}

	b.failures++
	b.lastFailure = m.now()
	switch {
	case b.state == CircuitHalfOpen:
		b.state = CircuitOpen
		m.logger.Warn("circuit_reopened", "type", msgType)
	case m.failureThreshold > 0 && b.failures >= m.failureThreshold:
		b.state = CircuitOpen
		m.logger.Warn("circuit_opened", "type", msgType, "failures", b.failures)
	}
	return result, nil
}

// GetStates returns the state of every type seen so far.
func (m *CircuitBreakerMiddleware) GetStates() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.breakers))
	for k, b := range m.breakers {
		out[k] = string(b.state)
	}
	return out
}

// Reset forgets msgType, or every type when msgType is nil.
func (m *CircuitBreakerMiddleware) Reset(msgType *string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msgType != nil {
		delete(m.breakers, *msgType)
		return
	}
	m.breakers = make(map[string]*breaker)
}

var (
	_ Middleware = (*LoggingMiddleware)(nil)
	_ Middleware = (*CircuitBreakerMiddleware)(nil)
)
