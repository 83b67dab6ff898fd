package channel

import (
	"context"
	"fmt"
	"sync"
)

// MockAdapter is a scriptable in-memory Adapter for tests.
type MockAdapter struct {
	mu   sync.Mutex
	sent []OutboundMessage
	errs []error // consumed one per Send; nil entry means success
	next int
	seq  int
	Fail error // returned for every Send when set and errs is exhausted
}

// NewMockAdapter creates an empty mock adapter.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{}
}

// Script queues per-call results: each Send consumes one entry (nil =
// success) before falling back to Fail.
func (m *MockAdapter) Script(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errs...)
}

// Send records the message and returns the next scripted result.
func (m *MockAdapter) Send(_ context.Context, msg OutboundMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.next < len(m.errs) {
		err = m.errs[m.next]
		m.next++
	} else {
		err = m.Fail
	}
	if err != nil {
		return "", err
	}

	m.sent = append(m.sent, msg)
	m.seq++
	return fmt.Sprintf("mock-%d", m.seq), nil
}

// Sent returns a copy of the successfully delivered messages.
func (m *MockAdapter) Sent() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboundMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// Close is a no-op.
func (m *MockAdapter) Close() error { return nil }
