package pubsub

import (
	"context"
	"errors"
	"sync"
)

// MultiSink delivers to every sink and joins their errors. One failing sink
// does not stop delivery to the others.
type MultiSink []Sink

func (m MultiSink) Broadcast(ctx context.Context, topic string, payload interface{}) error {
	var errs []error
	for _, s := range m {
		if err := s.Broadcast(ctx, topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) EmitToUser(ctx context.Context, userID string, payload interface{}) error {
	var errs []error
	for _, s := range m {
		if err := s.EmitToUser(ctx, userID, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every message in memory
type Recorder struct {
	mu         sync.Mutex
	broadcasts []Message
	emits      []Message
}

// Message is one recorded delivery. Target is a topic or a user id.
type Message struct {
	Target  string
	Payload interface{}
}

func (r *Recorder) Broadcast(_ context.Context, topic string, payload interface{}) error {
	r.mu.Lock()
	r.broadcasts = append(r.broadcasts, Message{Target: topic, Payload: payload})
	r.mu.Unlock()
	return nil
}

func (r *Recorder) EmitToUser(_ context.Context, userID string, payload interface{}) error {
	r.mu.Lock()
	r.emits = append(r.emits, Message{Target: userID, Payload: payload})
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Broadcasts() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.broadcasts...)
}

func (r *Recorder) Emits() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.emits...)
}
