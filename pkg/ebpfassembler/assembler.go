// Package ebpfassembler reassembles tracexec's chunked eBPF ring-buffer
// records into the same event.ExecEvent/event.TracerMessage shapes the
// ptrace backend produces (spec.md 4.9), so pkg/export and the TUI never
// need to know which backend is live. Lineage is computed the same way
// as pkg/tracer: through pkg/lineage via a private pkg/proctrack.Tracker,
// since the two backends must never share one (spec.md 5).
package ebpfassembler

import (
	"context"
	"sort"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tracexecgo/tracexec/pkg/event"
	"github.com/tracexecgo/tracexec/pkg/eventchan"
	"github.com/tracexecgo/tracexec/pkg/intern"
	"github.com/tracexecgo/tracexec/pkg/proctrack"
)

// Config bundles the assembler's dependencies.
type Config struct {
	Pool        *intern.Pool
	Sender      eventchan.Sender
	BaselineEnv map[string]string
}

// storageKey identifies one in-flight exec attempt.
type storageKey struct {
	pid int32
	seq uint64
}

// eventStorage accumulates one exec attempt's chunked fields as records
// arrive, in whatever order the three ring buffers happen to deliver
// them (spec.md 4.9: CPU-local buffers mean cross-field ordering is not
// guaranteed even though a single field's chunks arrive in order).
type eventStorage struct {
	ppid       int32
	commBefore string

	filename fieldBuf
	cwd      fieldBuf
	argv     map[uint16]*fieldBuf
	env      map[uint16]*fieldBuf
}

// fieldBuf accumulates one chunked string field, detecting ring-buffer
// loss as a gap between consecutive Seq values rather than only by a
// missing terminal chunk.
type fieldBuf struct {
	buf      []byte
	nextSeq  uint16
	lost     bool
	complete bool
}

func (f *fieldBuf) add(rec stringChunkRecord) {
	if rec.Seq != f.nextSeq {
		f.lost = true
	}
	f.buf = append(f.buf, rec.Data...)
	f.nextSeq = rec.Seq + 1
	if rec.Last {
		f.complete = true
	}
}

func (f *fieldBuf) toOutputMsg(pool *intern.Pool) event.OutputMsg {
	if len(f.buf) == 0 && !f.complete {
		return event.Err(&event.FriendlyError{Kind: "bpf-dropped", Message: "field never arrived before exec-end"})
	}
	h := pool.InternOwned(f.buf)
	switch {
	case f.lost:
		return event.PartialOk(h)
	case !f.complete:
		return event.PartialOk(h)
	default:
		return event.Ok(h)
	}
}

// Assembler owns the proctrack.Tracker/event-ID sequence for the eBPF
// backend and drains every ring buffer in a session into one ordered
// stream of event.TracerMessage values.
type Assembler struct {
	cfg     Config
	tracker *proctrack.Tracker
	storage map[storageKey]*eventStorage
	nextID  uint64
}

// New constructs an Assembler.
func New(cfg Config) *Assembler {
	return &Assembler{
		cfg:     cfg,
		tracker: proctrack.New(),
		storage: make(map[storageKey]*eventStorage),
	}
}

type rawRecord struct {
	kind recordKind
	data []byte
}

// session is the subset of ebpfloader.Session Drain needs, kept as an
// interface so this package never imports ebpfloader's link/ebpf
// dependencies directly.
type session interface {
	Readers() map[string]*ringbuf.Reader
}

// Drain reads every ring buffer in sess until ctx is cancelled or every
// reader returns ringbuf.ErrClosed, applying records to the in-flight
// eventStorage map in the order received on a single internal channel —
// there is exactly one goroutine (this one) that ever mutates Assembler
// state, matching pkg/proctrack's single-owner requirement.
func (a *Assembler) Drain(ctx context.Context, sess session) error {
	readers := sess.Readers()
	recs := make(chan rawRecord, 256)

	// errgroup fans the per-map pump goroutines in and closes recs once
	// every reader has returned, the same join-then-signal shape
	// sync.WaitGroup gave but with each pump's error collected instead of
	// silently discarded.
	g, gctx := errgroup.WithContext(ctx)
	for name, r := range readers {
		name, r := name, r
		g.Go(func() error { return pump(gctx, name, r, recs) })
	}
	var pumpErr error
	go func() {
		pumpErr = g.Wait()
		close(recs)
	}()

	for rr := range recs {
		kind, parsed, err := decodeRecord(rr.data)
		if err != nil {
			logrus.WithError(err).WithField("kind", kind).Warn("ebpfassembler: dropping undecodable record")
			continue
		}
		a.apply(kind, parsed)
	}
	// recs is closed only after pumpErr is written, so reading it here,
	// after the range loop ends, is ordered after that write.
	if pumpErr != nil {
		return pumpErr
	}
	return ctx.Err()
}

func pump(ctx context.Context, name string, r *ringbuf.Reader, out chan<- rawRecord) error {
	for {
		rec, err := r.Read()
		if err != nil {
			if err != ringbuf.ErrClosed {
				logrus.WithError(err).WithField("map", name).Warn("ebpfassembler: ring buffer read error")
				return err
			}
			return nil
		}
		raw := make([]byte, len(rec.RawSample))
		copy(raw, rec.RawSample)
		select {
		case out <- rawRecord{data: raw}:
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *Assembler) apply(kind recordKind, parsed interface{}) {
	switch kind {
	case recExecStart:
		rec := parsed.(execStartRecord)
		key := storageKey{pid: int32(rec.PID), seq: rec.EventSeq}
		a.storage[key] = &eventStorage{
			ppid:       int32(rec.PPID),
			commBefore: rec.CommBefore,
			argv:       make(map[uint16]*fieldBuf),
			env:        make(map[uint16]*fieldBuf),
		}

	case recStringChunk:
		rec := parsed.(stringChunkRecord)
		key := storageKey{pid: int32(rec.PID), seq: rec.EventSeq}
		st, ok := a.storage[key]
		if !ok {
			// execStart was dropped; force-associate so the data
			// isn't silently discarded.
			st = &eventStorage{argv: make(map[uint16]*fieldBuf), env: make(map[uint16]*fieldBuf)}
			a.storage[key] = st
		}
		switch rec.Field {
		case fieldFilename:
			st.filename.add(rec)
		case fieldCwd:
			st.cwd.add(rec)
		case fieldArgv:
			fb, ok := st.argv[rec.Index]
			if !ok {
				fb = &fieldBuf{}
				st.argv[rec.Index] = fb
			}
			fb.add(rec)
		case fieldEnv:
			fb, ok := st.env[rec.Index]
			if !ok {
				fb = &fieldBuf{}
				st.env[rec.Index] = fb
			}
			fb.add(rec)
		}

	case recExecEnd:
		rec := parsed.(execEndRecord)
		key := storageKey{pid: int32(rec.PID), seq: rec.EventSeq}
		st, ok := a.storage[key]
		if !ok {
			st = &eventStorage{argv: make(map[uint16]*fieldBuf), env: make(map[uint16]*fieldBuf)}
		} else {
			delete(a.storage, key)
		}
		a.commitExec(int32(rec.PID), st, rec)

	case recFork:
		rec := parsed.(forkRecord)
		a.handleFork(int32(rec.PPID), int32(rec.PID))

	case recExit:
		rec := parsed.(exitRecord)
		a.tracker.MaybeRemove(int32(rec.PID))
	}
}

// ensureTracked returns pid's proctrack entry, creating a bare one if a
// dropped fork record means it was never seen. Safe without locking:
// Assembler state is only ever touched from Drain's single consumer loop.
func (a *Assembler) ensureTracked(pid int32) *proctrack.Entry {
	if e, ok := a.tracker.Get(pid); ok {
		return e
	}
	return a.tracker.Add(pid)
}

func (a *Assembler) handleFork(ppid, pid int32) {
	a.ensureTracked(pid)
	if _, ok := a.tracker.Get(ppid); ok {
		parentEntry, childEntry := a.tracker.ParentDisjointMut(ppid, pid)
		childEntry.Lineage.SaveParentLastExec(&parentEntry.Lineage)
	}
	a.sendEvent(event.NewChild{PPID: ppid, PID: pid})
}

func (a *Assembler) nextEventID() event.ID {
	a.nextID++
	return event.ID(a.nextID)
}

func (a *Assembler) sendEvent(d event.TracerEventDetails) event.ID {
	id := a.nextEventID()
	a.cfg.Sender.Send(event.MsgEvent{Event: event.TracerEvent{ID: id, Details: d}})
	return id
}

func (a *Assembler) commitExec(pid int32, st *eventStorage, rec execEndRecord) {
	id := a.nextEventID()
	ok := rec.Result == 0

	entry := a.ensureTracked(pid)
	parentLink := entry.Lineage.UpdateLastExec(id, ok)
	entry.AssociatedEvents = append(entry.AssociatedEvents, id)

	argv := &event.ArgvResult{}
	indices := make([]int, 0, len(st.argv))
	for idx := range st.argv {
		indices = append(indices, int(idx))
	}
	sort.Ints(indices)
	for _, idx := range indices {
		argv.Argv = append(argv.Argv, st.argv[uint16(idx)].toOutputMsg(a.cfg.Pool))
	}
	if !rec.ArgvOk {
		argv.Err = &event.FriendlyError{Kind: "bpf-flags", Message: "kernel-side argv inspection reported failure"}
	}

	var cred *event.CredResult
	if rec.CredOk {
		cred = &event.CredResult{Cred: event.Cred{
			UID: rec.UID, EUID: rec.EUID, SUID: rec.SUID, FSUID: rec.FSUID,
			GID: rec.GID, EGID: rec.EGID, SGID: rec.SGID, FSGID: rec.FSGID,
			Supplementary: rec.Groups,
		}}
	} else {
		cred = &event.CredResult{Err: &event.FriendlyError{Kind: "bpf-flags", Message: "kernel-side credential inspection reported failure"}}
	}

	ev := event.ExecEvent{
		PID:            pid,
		Cwd:            st.cwd.toOutputMsg(a.cfg.Pool),
		CommBeforeExec: a.cfg.Pool.InternString(st.commBefore),
		Filename:       st.filename.toOutputMsg(a.cfg.Pool),
		Argv:           argv,
		EnvDiff:        a.assembleEnvDiff(st, rec),
		FDInfo:         a.readFDInfo(pid),
		Cred:           cred,
		Result:         rec.Result,
		Parent:         parentLink,
	}
	a.cfg.Sender.Send(event.MsgEvent{Event: event.TracerEvent{ID: id, Details: event.Exec{Event: ev}}})
}
