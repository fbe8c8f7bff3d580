package perfetto

import (
	"bytes"
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tracexecgo/tracexec/pkg/event"
	"github.com/tracexecgo/tracexec/pkg/eventchan"
	"github.com/tracexecgo/tracexec/pkg/intern"
)

// readFrames decodes the tag-0x0A + varint-length framing back into raw
// packet payloads, mirroring what a real Perfetto consumer would do.
func readFrames(t *testing.T, data []byte) [][]byte {
	t.Helper()
	var frames [][]byte
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			t.Fatalf("bad tag: %v", protowire.ParseError(n))
		}
		if num != 1 || typ != protowire.BytesType {
			t.Fatalf("unexpected frame tag: field=%d type=%v", num, typ)
		}
		data = data[n:]
		length, n := protowire.ConsumeVarint(data)
		if n < 0 {
			t.Fatalf("bad length varint: %v", protowire.ParseError(n))
		}
		data = data[n:]
		if uint64(len(data)) < length {
			t.Fatalf("truncated frame: want %d bytes, have %d", length, len(data))
		}
		frames = append(frames, data[:length])
		data = data[length:]
	}
	return frames
}

func TestWriteFramesAreSelfDelimiting(t *testing.T) {
	pool := intern.NewPool()
	sender, recv := eventchan.New()
	go func() {
		sender.Send(event.MsgEvent{Event: event.TracerEvent{ID: 1, Details: event.Exec{Event: event.ExecEvent{
			PID:       42,
			Filename:  event.Ok(pool.InternString("/bin/echo")),
			Cwd:       event.Ok(pool.InternString("/tmp")),
			Argv:      &event.ArgvResult{Argv: []event.OutputMsg{event.Ok(pool.InternString("echo")), event.Ok(pool.InternString("hi"))}},
			Timestamp: time.Unix(0, 5000),
		}}}})
		sender.Close()
	}()

	var buf bytes.Buffer
	if err := (Exporter{}).Write(&buf, recv); err != nil {
		t.Fatalf("Write: %v", err)
	}

	frames := readFrames(t, buf.Bytes())
	// Name table packet, one interned-strings packet (new dynamic
	// strings), and one exec packet.
	if len(frames) != 3 {
		t.Fatalf("expected 3 framed packets, got %d", len(frames))
	}
}

func TestExecPacketCarriesPIDAnnotation(t *testing.T) {
	pool := intern.NewPool()
	table := newStringTable(0)
	ev := event.ExecEvent{
		PID:       99,
		Filename:  event.Ok(pool.InternString("/bin/true")),
		Cwd:       event.Ok(pool.InternString("/")),
		Timestamp: time.Unix(0, 1),
	}
	pkt := execPacket(1, ev, table)

	var sawPIDAnno bool
	data := pkt
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			t.Fatalf("bad tag: %v", protowire.ParseError(n))
		}
		data = data[n:]
		switch typ {
		case protowire.VarintType:
			_, n := protowire.ConsumeVarint(data)
			data = data[n:]
		case protowire.BytesType:
			length, n := protowire.ConsumeVarint(data)
			data = data[n:]
			body := data[:length]
			data = data[length:]
			if num == fieldTracePacketExecAnnos {
				nameIID, _, n := protowire.ConsumeTag(body)
				body = body[n:]
				iid, _ := protowire.ConsumeVarint(body)
				if nameIID == fieldAnnoNameIID && iid == namePID {
					sawPIDAnno = true
				}
			}
		}
	}
	if !sawPIDAnno {
		t.Fatalf("expected a pid annotation in the exec packet")
	}
}

func TestStringTableDedupesAndBoundsCapacity(t *testing.T) {
	table := newStringTable(2)
	a := table.intern("a")
	b := table.intern("a")
	if a != b {
		t.Fatalf("interning the same string twice should return the same iid")
	}
	table.intern("b")
	table.intern("c") // evicts "a"
	table.drainPending()
	if _, ok := table.byValue["a"]; ok {
		t.Fatalf("expected \"a\" to have been evicted once capacity was exceeded")
	}
}
