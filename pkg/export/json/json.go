// Package json implements the two JSON exporters described in spec.md 6:
// a newline-delimited stream (one metadata line, then one exec-event
// line per message) and a single-document batch form. Both consume an
// eventchan.Receiver and use only encoding/json, matching how the rest
// of the ecosystem serializes simple line-oriented event streams.
package json

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/tracexecgo/tracexec/pkg/event"
	"github.com/tracexecgo/tracexec/pkg/eventchan"
)

// MetaData is the JSON stream's first line / the batch document's "meta"
// field.
type MetaData struct {
	Version   string            `json:"version"`
	Generator string            `json:"generator"`
	Baseline  map[string]string `json:"baseline"`
}

// Envelope is the {result:"success"|"error", value|message} shape shared
// by argv/env/cred per spec.md 6.
type Envelope struct {
	Result  string      `json:"result"`
	Value   interface{} `json:"value,omitempty"`
	Message string      `json:"message,omitempty"`
}

func okEnvelope(v interface{}) Envelope { return Envelope{Result: "success", Value: v} }
func errEnvelope(msg string) Envelope   { return Envelope{Result: "error", Message: msg} }

// ExecEvent is the JSON projection of event.ExecEvent.
type ExecEvent struct {
	ID             uint64      `json:"id"`
	PID            int32       `json:"pid"`
	Cwd            Envelope    `json:"cwd"`
	CommBeforeExec string      `json:"comm_before_exec"`
	Result         int64       `json:"result"`
	Filename       Envelope    `json:"filename"`
	Argv           Envelope    `json:"argv"`
	Env            Envelope    `json:"env"`
	FDInfo         interface{} `json:"fdinfo,omitempty"`
	TimestampNs    int64       `json:"timestamp_ns"`
	Cred           Envelope    `json:"cred"`
}

func outputMsgEnvelope(m event.OutputMsg) Envelope {
	if m.Kind() == event.KindErr {
		return errEnvelope(m.FriendlyError().Error())
	}
	return okEnvelope(m.AsRef())
}

func cwdEnvelope(cwd event.OutputMsg) Envelope { return outputMsgEnvelope(cwd) }

func argvEnvelope(a *event.ArgvResult) Envelope {
	if a == nil {
		return errEnvelope("argv not captured")
	}
	strs := make([]string, len(a.Argv))
	for i, m := range a.Argv {
		strs[i] = m.AsRef()
	}
	if a.Err != nil {
		return Envelope{Result: "error", Value: strs, Message: a.Err.Error()}
	}
	return okEnvelope(strs)
}

func envEnvelope(e *event.EnvDiffResult) Envelope {
	if e == nil {
		return errEnvelope("env not captured")
	}
	value := map[string]interface{}{
		"added":    e.Diff.Added,
		"removed":  e.Diff.Removed,
		"modified": e.Diff.Modified,
	}
	if e.Err != nil {
		return Envelope{Result: "error", Value: value, Message: e.Err.Error()}
	}
	return okEnvelope(value)
}

func fdInfoEnvelope(f *event.FileDescriptorInfoCollection) interface{} {
	if f == nil {
		return nil
	}
	return f.Entries
}

func credEnvelope(c *event.CredResult) Envelope {
	if c == nil {
		return errEnvelope("cred not captured")
	}
	if c.Err != nil {
		return errEnvelope(c.Err.Error())
	}
	return okEnvelope(c.Cred)
}

func toExecEvent(id event.ID, ev event.ExecEvent) ExecEvent {
	return ExecEvent{
		ID:             uint64(id),
		PID:            ev.PID,
		Cwd:            cwdEnvelope(ev.Cwd),
		CommBeforeExec: ev.CommBeforeExec.String(),
		Result:         ev.Result,
		Filename:       outputMsgEnvelope(ev.Filename),
		Argv:           argvEnvelope(ev.Argv),
		Env:            envEnvelope(ev.EnvDiff),
		FDInfo:         fdInfoEnvelope(ev.FDInfo),
		TimestampNs:    ev.Timestamp.UnixNano(),
		Cred:           credEnvelope(ev.Cred),
	}
}

// StreamExporter writes the newline-delimited form: one MetaData line,
// then one ExecEvent line per Exec message observed. Non-exec messages
// (NewChild, Info/Warning/Error, TraceeSpawn/Exit) are skipped — spec.md
// 6 defines the stream's payload purely in terms of JsonExecEvent lines.
type StreamExporter struct {
	Meta MetaData
}

// Write drains recv until it closes, writing one JSON value per line.
func (s StreamExporter) Write(w io.Writer, recv eventchan.Receiver) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(s.Meta); err != nil {
		return fmt.Errorf("json: encode metadata: %w", err)
	}
	for {
		msg, ok := recv.Recv()
		if !ok {
			return nil
		}
		me, isEvent := msg.(event.MsgEvent)
		if !isEvent {
			continue
		}
		exec, isExec := me.Event.Details.(event.Exec)
		if !isExec {
			continue
		}
		if err := enc.Encode(toExecEvent(me.Event.ID, exec.Event)); err != nil {
			return fmt.Errorf("json: encode exec event %d: %w", me.Event.ID, err)
		}
	}
}

// BatchDocument is the single-document form: {meta, events: [...]}.
type BatchDocument struct {
	Meta   MetaData    `json:"meta"`
	Events []ExecEvent `json:"events"`
}

// BatchExporter buffers every exec event and writes one JSON document
// once the stream closes.
type BatchExporter struct {
	Meta MetaData
}

// Write drains recv until it closes, then writes a single JSON document.
func (b BatchExporter) Write(w io.Writer, recv eventchan.Receiver) error {
	doc := BatchDocument{Meta: b.Meta}
	for {
		msg, ok := recv.Recv()
		if !ok {
			break
		}
		me, isEvent := msg.(event.MsgEvent)
		if !isEvent {
			continue
		}
		exec, isExec := me.Event.Details.(event.Exec)
		if !isExec {
			continue
		}
		doc.Events = append(doc.Events, toExecEvent(me.Event.ID, exec.Event))
	}
	enc := json.NewEncoder(w)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("json: encode batch document: %w", err)
	}
	return nil
}
