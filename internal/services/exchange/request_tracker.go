package exchange

import (
	"encoding/json"
	"sync"
)

// RequestTracker correlates asynchronous responses with the request that
// caused them. A request may expect several responses (OKX acks once per
// subscribed channel).
type RequestTracker struct {
	mu      sync.Mutex
	pending map[string]chan json.RawMessage
}

func NewRequestTracker() *RequestTracker {
	return &RequestTracker{pending: make(map[string]chan json.RawMessage)}
}

// Register reserves id and returns the channel its responses arrive on
func (t *RequestTracker) Register(id string, expected int) <-chan json.RawMessage {
	if expected < 1 {
		expected = 1
	}
	ch := make(chan json.RawMessage, expected)

	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()
	return ch
}

// Resolve delivers payload to the waiter for id. It reports false for
// unknown ids or when the waiter already received everything it expected.
func (t *RequestTracker) Resolve(id string, payload json.RawMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, ok := t.pending[id]
	if !ok {
		return false
	}
	select {
	case ch <- payload:
		return true
	default:
		return false
	}
}

// Cancel forgets id
func (t *RequestTracker) Cancel(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Pending returns the number of outstanding requests
func (t *RequestTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// extractID pulls a string or numeric "id" field from a frame
func extractID(raw []byte) string {
	var envelope struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || len(envelope.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(envelope.ID, &s); err == nil {
		return s
	}
	return string(envelope.ID)
}
