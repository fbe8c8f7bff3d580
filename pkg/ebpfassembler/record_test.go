package ebpfassembler

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestDecodeRecordFork(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(recFork))
	binary.Write(&buf, binary.LittleEndian, uint32(1))   // PPID
	binary.Write(&buf, binary.LittleEndian, uint32(100)) // PID

	kind, parsed, err := decodeRecord(buf.Bytes())
	if err != nil {
		t.Fatalf("decodeRecord: %v", err)
	}
	if kind != recFork {
		t.Fatalf("kind = %v, want recFork", kind)
	}
	fr := parsed.(forkRecord)
	if fr.PPID != 1 || fr.PID != 100 {
		t.Fatalf("unexpected forkRecord: %+v", fr)
	}
}

func TestDecodeRecordExit(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(recExit))
	binary.Write(&buf, binary.LittleEndian, uint32(42))
	binary.Write(&buf, binary.LittleEndian, int32(-1))

	kind, parsed, err := decodeRecord(buf.Bytes())
	if err != nil {
		t.Fatalf("decodeRecord: %v", err)
	}
	if kind != recExit {
		t.Fatalf("kind = %v, want recExit", kind)
	}
	er := parsed.(exitRecord)
	if er.PID != 42 || er.ExitCode != -1 {
		t.Fatalf("unexpected exitRecord: %+v", er)
	}
}

func TestDecodeRecordStringChunk(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(recStringChunk))
	binary.Write(&buf, binary.LittleEndian, uint32(7))          // PID
	binary.Write(&buf, binary.LittleEndian, uint64(3))          // EventSeq
	buf.WriteByte(byte(fieldArgv))                               // Field
	binary.Write(&buf, binary.LittleEndian, uint16(2))          // Index
	binary.Write(&buf, binary.LittleEndian, uint16(0))          // Seq
	buf.WriteByte(1)                                             // Last
	data := []byte("-x")
	binary.Write(&buf, binary.LittleEndian, uint16(len(data)))
	buf.Write(data)

	kind, parsed, err := decodeRecord(buf.Bytes())
	if err != nil {
		t.Fatalf("decodeRecord: %v", err)
	}
	if kind != recStringChunk {
		t.Fatalf("kind = %v, want recStringChunk", kind)
	}
	sc := parsed.(stringChunkRecord)
	if sc.PID != 7 || sc.EventSeq != 3 || sc.Field != fieldArgv || sc.Index != 2 || !sc.Last {
		t.Fatalf("unexpected stringChunkRecord: %+v", sc)
	}
	if string(sc.Data) != "-x" {
		t.Fatalf("data = %q, want %q", sc.Data, "-x")
	}
}

func TestDecodeRecordTruncatedHeaderErrors(t *testing.T) {
	if _, _, err := decodeRecord(nil); err == nil {
		t.Fatalf("expected an error decoding an empty record")
	}
}

func TestDecodeRecordUnknownKindErrors(t *testing.T) {
	if _, _, err := decodeRecord([]byte{0xFF}); err == nil {
		t.Fatalf("expected an error decoding an unknown record kind")
	}
}
