package pubsub_test

import (
	"context"
	"errors"
	"testing"

	"premium-market/internal/pubsub"
)

type failingSink struct{ err error }

func (f failingSink) Broadcast(context.Context, string, interface{}) error  { return f.err }
func (f failingSink) EmitToUser(context.Context, string, interface{}) error { return f.err }

func TestMultiSinkDeliversPastFailures(t *testing.T) {
	boom := errors.New("redis down")
	rec := &pubsub.Recorder{}
	sink := pubsub.MultiSink{failingSink{err: boom}, rec}

	ctx := context.Background()
	if err := sink.Broadcast(ctx, "market", 1); !errors.Is(err, boom) {
		t.Fatalf("Broadcast error = %v, want %v", err, boom)
	}
	if err := sink.EmitToUser(ctx, "u1", 2); !errors.Is(err, boom) {
		t.Fatalf("EmitToUser error = %v, want %v", err, boom)
	}

	if b := rec.Broadcasts(); len(b) != 1 || b[0].Target != "market" {
		t.Fatalf("broadcasts = %+v", b)
	}
	if e := rec.Emits(); len(e) != 1 || e[0].Target != "u1" || e[0].Payload != 2 {
		t.Fatalf("emits = %+v", e)
	}
}

func TestChannelNames(t *testing.T) {
	if got := pubsub.TopicChannel("premium", "market"); got != "premium:market" {
		t.Fatalf("TopicChannel = %s", got)
	}
	if got := pubsub.UserChannel("premium", "42"); got != "premium:user:42" {
		t.Fatalf("UserChannel = %s", got)
	}
}

func TestMultiSinkNoErrors(t *testing.T) {
	sink := pubsub.MultiSink{&pubsub.Recorder{}, &pubsub.Recorder{}}
	if err := sink.Broadcast(context.Background(), "exchange-rate", nil); err != nil {
		t.Fatal(err)
	}
}
