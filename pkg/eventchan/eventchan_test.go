package eventchan

import (
	"testing"
	"time"

	"github.com/tracexecgo/tracexec/pkg/event"
)

func TestSendNeverBlocksAheadOfConsumer(t *testing.T) {
	sender, receiver := New()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			sender.Send(event.MsgEvent{Event: event.TracerEvent{ID: event.ID(i)}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Send blocked on an unread consumer")
	}

	sender.Close()
	count := 0
	for {
		_, ok := receiver.Recv()
		if !ok {
			break
		}
		count++
	}
	if count != 1000 {
		t.Fatalf("expected to drain all 1000 messages, got %d", count)
	}
}

func TestCloseWithoutExitIsAbnormal(t *testing.T) {
	sender, receiver := New()
	var tt TerminationTracker
	sender.Send(event.MsgEvent{Event: event.TracerEvent{ID: 1, Details: event.Info{Message: "hi"}}})
	sender.Close()
	for {
		m, ok := receiver.Recv()
		if !ok {
			break
		}
		tt.Observe(m)
	}
	if tt.Normal() {
		t.Fatalf("expected abnormal termination without a TraceeExit")
	}
}

func TestCloseAfterExitIsNormal(t *testing.T) {
	sender, receiver := New()
	var tt TerminationTracker
	sender.Send(event.MsgEvent{Event: event.TracerEvent{ID: 1, Details: event.TraceeExit{ExitCode: 0}}})
	sender.Close()
	for {
		m, ok := receiver.Recv()
		if !ok {
			break
		}
		tt.Observe(m)
	}
	if !tt.Normal() {
		t.Fatalf("expected normal termination after TraceeExit")
	}
}
