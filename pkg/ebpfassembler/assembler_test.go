package ebpfassembler

import (
	"testing"

	"github.com/tracexecgo/tracexec/pkg/event"
	"github.com/tracexecgo/tracexec/pkg/eventchan"
	"github.com/tracexecgo/tracexec/pkg/intern"
)

func newTestAssembler() (*Assembler, eventchan.Receiver) {
	sender, receiver := eventchan.New()
	a := New(Config{Pool: intern.NewPool(), Sender: sender})
	return a, receiver
}

func TestFieldBufAssemblesInOrderChunks(t *testing.T) {
	pool := intern.NewPool()
	var fb fieldBuf
	fb.add(stringChunkRecord{Seq: 0, Data: []byte("/usr/"), Last: false})
	fb.add(stringChunkRecord{Seq: 1, Data: []byte("bin/env"), Last: true})

	msg := fb.toOutputMsg(pool)
	if msg.Kind() != event.KindOk {
		t.Fatalf("expected KindOk, got %v", msg.Kind())
	}
	if msg.AsRef() != "/usr/bin/env" {
		t.Fatalf("assembled string = %q, want %q", msg.AsRef(), "/usr/bin/env")
	}
}

func TestFieldBufDetectsGapAsPartial(t *testing.T) {
	pool := intern.NewPool()
	var fb fieldBuf
	fb.add(stringChunkRecord{Seq: 0, Data: []byte("abc"), Last: false})
	// Seq 1 lost; seq 2 arrives instead.
	fb.add(stringChunkRecord{Seq: 2, Data: []byte("xyz"), Last: true})

	msg := fb.toOutputMsg(pool)
	if msg.Kind() != event.KindPartialOk {
		t.Fatalf("expected KindPartialOk after a sequence gap, got %v", msg.Kind())
	}
}

func TestFieldBufNeverArrivedIsErr(t *testing.T) {
	pool := intern.NewPool()
	var fb fieldBuf
	msg := fb.toOutputMsg(pool)
	if msg.Kind() != event.KindErr {
		t.Fatalf("expected KindErr for a field with no chunks, got %v", msg.Kind())
	}
}

func TestApplyForkThenExecProducesLineage(t *testing.T) {
	a, recv := newTestAssembler()

	a.apply(recFork, forkRecord{PPID: 1, PID: 100})
	a.apply(recExecStart, execStartRecord{PID: 100, PPID: 1, EventSeq: 1, CommBefore: "sh"})
	a.apply(recStringChunk, stringChunkRecord{PID: 100, EventSeq: 1, Field: fieldFilename, Seq: 0, Last: true, Data: []byte("/bin/ls")})
	a.apply(recExecEnd, execEndRecord{PID: 100, EventSeq: 1, Result: 0, ArgvOk: true, CredOk: true})

	var sawNewChild, sawExec bool
	for {
		msg, ok := recv.Recv()
		if !ok {
			break
		}
		me, isEvent := msg.(event.MsgEvent)
		if !isEvent {
			continue
		}
		switch d := me.Event.Details.(type) {
		case event.NewChild:
			sawNewChild = true
			if d.PID != 100 || d.PPID != 1 {
				t.Fatalf("unexpected NewChild: %+v", d)
			}
		case event.Exec:
			sawExec = true
			if d.Event.Filename.AsRef() != "/bin/ls" {
				t.Fatalf("unexpected exec filename: %q", d.Event.Filename.AsRef())
			}
		}
		if sawNewChild && sawExec {
			a.cfg.Sender.Close()
		}
	}
	if !sawNewChild || !sawExec {
		t.Fatalf("expected both a NewChild and an Exec event, got newChild=%v exec=%v", sawNewChild, sawExec)
	}
}

func TestApplyExecEndWithoutStartStillCommits(t *testing.T) {
	a, recv := newTestAssembler()

	a.apply(recExecEnd, execEndRecord{PID: 7, EventSeq: 1, Result: -2, ArgvOk: false, CredOk: false})
	a.cfg.Sender.Close()

	var sawExec bool
	for {
		msg, ok := recv.Recv()
		if !ok {
			break
		}
		if me, isEvent := msg.(event.MsgEvent); isEvent {
			if ex, isExec := me.Event.Details.(event.Exec); isExec {
				sawExec = true
				if ex.Event.Result != -2 {
					t.Fatalf("unexpected result: %d", ex.Event.Result)
				}
			}
		}
	}
	if !sawExec {
		t.Fatalf("expected a commit even without a preceding execStart record")
	}
}
