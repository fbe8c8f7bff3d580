package json

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/tracexecgo/tracexec/pkg/event"
	"github.com/tracexecgo/tracexec/pkg/eventchan"
	"github.com/tracexecgo/tracexec/pkg/intern"
)

func sampleExecEvent(pool *intern.Pool) event.ExecEvent {
	return event.ExecEvent{
		PID:            123,
		Cwd:            event.Ok(pool.InternString("/home/user")),
		CommBeforeExec: pool.InternString("bash"),
		Filename:       event.Ok(pool.InternString("/usr/bin/ls")),
		Argv:           &event.ArgvResult{Argv: []event.OutputMsg{event.Ok(pool.InternString("ls")), event.Ok(pool.InternString("-la"))}},
		EnvDiff:        &event.EnvDiffResult{},
		Cred:           &event.CredResult{Cred: event.Cred{UID: 1000, GID: 1000}},
		Result:         0,
		Timestamp:      time.Unix(0, 1000),
	}
}

func TestStreamExporterFirstLineIsMetadata(t *testing.T) {
	pool := intern.NewPool()
	sender, recv := eventchan.New()
	go func() {
		sender.Send(event.MsgEvent{Event: event.TracerEvent{ID: 1, Details: event.Exec{Event: sampleExecEvent(pool)}}})
		sender.Close()
	}()

	var buf bytes.Buffer
	exp := StreamExporter{Meta: MetaData{Version: "1", Generator: "tracexec-go"}}
	if err := exp.Write(&buf, recv); err != nil {
		t.Fatalf("Write: %v", err)
	}

	scanner := bufio.NewScanner(&buf)
	if !scanner.Scan() {
		t.Fatalf("expected at least one line")
	}
	var meta MetaData
	if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil {
		t.Fatalf("first line is not valid metadata JSON: %v", err)
	}
	if meta.Version != "1" {
		t.Fatalf("meta.Version = %q, want %q", meta.Version, "1")
	}

	if !scanner.Scan() {
		t.Fatalf("expected a second line with the exec event")
	}
	var ev ExecEvent
	if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
		t.Fatalf("second line is not valid exec-event JSON: %v", err)
	}
	if ev.PID != 123 {
		t.Fatalf("ev.PID = %d, want 123", ev.PID)
	}
	if ev.Filename.Result != "success" || ev.Filename.Value != "/usr/bin/ls" {
		t.Fatalf("unexpected filename envelope: %+v", ev.Filename)
	}
}

func TestBatchExporterProducesSingleDocument(t *testing.T) {
	pool := intern.NewPool()
	sender, recv := eventchan.New()
	go func() {
		sender.Send(event.MsgEvent{Event: event.TracerEvent{ID: 1, Details: event.Exec{Event: sampleExecEvent(pool)}}})
		sender.Close()
	}()

	var buf bytes.Buffer
	exp := BatchExporter{Meta: MetaData{Version: "1", Generator: "tracexec-go"}}
	if err := exp.Write(&buf, recv); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if strings.Count(buf.String(), "\n") != 1 {
		t.Fatalf("expected exactly one JSON document line, got: %q", buf.String())
	}
	var doc BatchDocument
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("invalid batch document: %v", err)
	}
	if len(doc.Events) != 1 || doc.Events[0].PID != 123 {
		t.Fatalf("unexpected batch events: %+v", doc.Events)
	}
}

func TestArgvEnvelopeReportsFailure(t *testing.T) {
	env := argvEnvelope(&event.ArgvResult{Err: &event.FriendlyError{Message: "EFAULT"}})
	if env.Result != "error" || env.Message != "EFAULT" {
		t.Fatalf("unexpected error envelope: %+v", env)
	}
}

func TestArgvEnvelopeNilIsError(t *testing.T) {
	env := argvEnvelope(nil)
	if env.Result != "error" {
		t.Fatalf("expected error envelope for nil argv, got %+v", env)
	}
}
