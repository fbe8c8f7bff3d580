// Package eventchan implements the tracer-to-consumer event stream
// (spec.md 4.11): a single-producer, single-consumer, effectively
// unbounded queue of event.TracerMessage values. Send never blocks, since
// the tracer must never stall waiting for a slow exporter while a tracee is
// stopped.
//
// The relay-goroutine shape here is grounded on the identical problem
// solved by rahul2393-tracee/pkg/ebpf/events_pipeline.go's queueEvents
// pipeline stage: an internal buffering goroutine absorbs backpressure so
// that kernel-event draining never blocks on a slow downstream consumer.
package eventchan

import (
	"sync"

	"github.com/tracexecgo/tracexec/pkg/event"
)

// Sender is the tracer-side handle. Send never blocks.
type Sender struct {
	in chan<- event.TracerMessage
}

// Receiver is the consumer-side handle. Recv blocks until a message is
// available or the channel is closed.
type Receiver struct {
	out <-chan event.TracerMessage
}

// New creates a connected Sender/Receiver pair backed by an internal relay
// goroutine that grows an unbounded in-memory queue rather than applying
// backpressure to the sender.
func New() (Sender, Receiver) {
	in := make(chan event.TracerMessage, 1)
	out := make(chan event.TracerMessage, 1)

	go relay(in, out)

	return Sender{in: in}, Receiver{out: out}
}

// relay drains in as fast as it is fed, buffering in a growable slice, and
// forwards to out as the consumer keeps up. This is the only place an
// unbounded allocation can occur; it is deliberate, matching spec.md 5's
// "Backpressure is intentionally absent" requirement.
func relay(in chan event.TracerMessage, out chan event.TracerMessage) {
	defer close(out)

	var queue []event.TracerMessage
	for {
		if len(queue) == 0 {
			m, ok := <-in
			if !ok {
				return
			}
			queue = append(queue, m)
			continue
		}
		select {
		case m, ok := <-in:
			if !ok {
				// Drain whatever remains, then stop.
				for _, q := range queue {
					out <- q
				}
				return
			}
			queue = append(queue, m)
		case out <- queue[0]:
			queue = queue[1:]
		}
	}
}

// Send publishes a message. It never blocks on the consumer.
func (s Sender) Send(m event.TracerMessage) {
	s.in <- m
}

// Close signals that no more messages will be sent. If the stream is
// closed without a preceding TraceeExit, the consumer should treat this as
// an abnormal termination (spec.md 4.11/7).
func (s Sender) Close() {
	close(s.in)
}

// Recv receives the next message, returning ok=false once the stream is
// closed and drained.
func (r Receiver) Recv() (event.TracerMessage, bool) {
	m, ok := <-r.out
	return m, ok
}

// Chan exposes the underlying channel for use in a select statement (e.g.
// alongside a cancellation context).
func (r Receiver) Chan() <-chan event.TracerMessage { return r.out }

// normalTermination reports whether last, the most recently received
// message, is a TraceeExit, used by consumers to classify the stream as
// normal or abnormal once Recv returns ok=false.
func normalTermination(last event.TracerMessage) bool {
	switch last.(type) {
	case event.MsgEvent:
		ev := last.(event.MsgEvent)
		_, isExit := ev.Event.Details.(event.TraceeExit)
		return isExit
	default:
		return false
	}
}

// TerminationTracker is fed each received message through Observe and
// remembers whether the last one was a TraceeExit, so callers can decide the process's
// exit code once the stream closes without re-scanning history.
type TerminationTracker struct {
	mu     sync.Mutex
	normal bool
}

// Observe records m as the most recently received message.
func (t *TerminationTracker) Observe(m event.TracerMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.normal = normalTermination(m)
}

// Normal reports whether the stream ended normally (last message seen was
// a TraceeExit).
func (t *TerminationTracker) Normal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.normal
}
