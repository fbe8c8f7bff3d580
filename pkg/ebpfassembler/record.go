package ebpfassembler

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// recordKind discriminates the ring-buffer record types tracexec's eBPF
// object emits. Exec attempts are inherently multi-record: a ring-buffer
// reservation is bounded, so anything of unbounded length (a path, an
// argv element) is split into one or more stringChunk records and
// reassembled by eventStorage before the terminating execEnd record is
// applied.
type recordKind uint8

const (
	recExecStart recordKind = iota
	recStringChunk
	recExecEnd
	recFork
	recExit
)

// stringField identifies which exec field a stringChunk record belongs
// to. argv elements carry an additional ordinal (see stringChunkRecord.Index).
type stringField uint8

const (
	fieldFilename stringField = iota
	fieldArgv
	fieldCwd
	// fieldEnv carries one "KEY=VALUE" envp entry, chunked and ordered the
	// same way fieldArgv is (Index is the envp ordinal).
	fieldEnv
)

type execStartRecord struct {
	PID, PPID  uint32
	EventSeq   uint64
	CommBefore string
}

type stringChunkRecord struct {
	PID      uint32
	EventSeq uint64
	Field    stringField
	// Index is the argv ordinal for fieldArgv chunks and the envp ordinal
	// for fieldEnv chunks, 0 otherwise.
	Index uint16
	// Seq is this chunk's position within its (Field, Index) string;
	// Last marks the final chunk, letting eventStorage detect a
	// ring-buffer drop as a gap in Seq rather than only by Last never
	// arriving.
	Seq  uint16
	Last bool
	Data []byte
}

type execEndRecord struct {
	PID                    uint32
	EventSeq               uint64
	Result                 int64
	ArgvOk, EnvOk, CredOk  bool
	UID, EUID, SUID, FSUID int64
	GID, EGID, SGID, FSGID int64
	Groups                 []int64
}

type forkRecord struct {
	PPID, PID uint32
}

type exitRecord struct {
	PID      uint32
	ExitCode int32
}

func readKind(r *bytes.Reader) (recordKind, error) {
	b, err := r.ReadByte()
	return recordKind(b), err
}

func readU32(r *bytes.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readU64(r *bytes.Reader) (uint64, error) {
	var v uint64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readI64(r *bytes.Reader) (int64, error) {
	var v int64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	return b != 0, err
}

func readBytes(r *bytes.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// decodeRecord dispatches on the leading kind byte and parses the rest of
// raw into one of the concrete record types.
func decodeRecord(raw []byte) (recordKind, interface{}, error) {
	r := bytes.NewReader(raw)
	kind, err := readKind(r)
	if err != nil {
		return 0, nil, fmt.Errorf("ebpfassembler: truncated record header: %w", err)
	}
	switch kind {
	case recExecStart:
		pid, err := readU32(r)
		if err != nil {
			return kind, nil, err
		}
		ppid, err := readU32(r)
		if err != nil {
			return kind, nil, err
		}
		seq, err := readU64(r)
		if err != nil {
			return kind, nil, err
		}
		commLen, err := r.ReadByte()
		if err != nil {
			return kind, nil, err
		}
		comm, err := readBytes(r, int(commLen))
		if err != nil {
			return kind, nil, err
		}
		return kind, execStartRecord{PID: pid, PPID: ppid, EventSeq: seq, CommBefore: string(comm)}, nil

	case recStringChunk:
		pid, err := readU32(r)
		if err != nil {
			return kind, nil, err
		}
		seq, err := readU64(r)
		if err != nil {
			return kind, nil, err
		}
		fieldB, err := r.ReadByte()
		if err != nil {
			return kind, nil, err
		}
		var idx uint16
		if err := binary.Read(r, binary.LittleEndian, &idx); err != nil {
			return kind, nil, err
		}
		var chunkSeq uint16
		if err := binary.Read(r, binary.LittleEndian, &chunkSeq); err != nil {
			return kind, nil, err
		}
		last, err := readBool(r)
		if err != nil {
			return kind, nil, err
		}
		var dataLen uint16
		if err := binary.Read(r, binary.LittleEndian, &dataLen); err != nil {
			return kind, nil, err
		}
		data, err := readBytes(r, int(dataLen))
		if err != nil {
			return kind, nil, err
		}
		return kind, stringChunkRecord{
			PID: pid, EventSeq: seq, Field: stringField(fieldB),
			Index: idx, Seq: chunkSeq, Last: last, Data: data,
		}, nil

	case recExecEnd:
		pid, err := readU32(r)
		if err != nil {
			return kind, nil, err
		}
		seq, err := readU64(r)
		if err != nil {
			return kind, nil, err
		}
		result, err := readI64(r)
		if err != nil {
			return kind, nil, err
		}
		argvOk, err := readBool(r)
		if err != nil {
			return kind, nil, err
		}
		envOk, err := readBool(r)
		if err != nil {
			return kind, nil, err
		}
		credOk, err := readBool(r)
		if err != nil {
			return kind, nil, err
		}
		var ids [8]int64
		for i := range ids {
			v, err := readI64(r)
			if err != nil {
				return kind, nil, err
			}
			ids[i] = v
		}
		numGroups, err := r.ReadByte()
		if err != nil {
			return kind, nil, err
		}
		groups := make([]int64, numGroups)
		for i := range groups {
			v, err := readI64(r)
			if err != nil {
				return kind, nil, err
			}
			groups[i] = v
		}
		return kind, execEndRecord{
			PID: pid, EventSeq: seq, Result: result,
			ArgvOk: argvOk, EnvOk: envOk, CredOk: credOk,
			UID: ids[0], EUID: ids[1], SUID: ids[2], FSUID: ids[3],
			GID: ids[4], EGID: ids[5], SGID: ids[6], FSGID: ids[7],
			Groups: groups,
		}, nil

	case recFork:
		ppid, err := readU32(r)
		if err != nil {
			return kind, nil, err
		}
		pid, err := readU32(r)
		if err != nil {
			return kind, nil, err
		}
		return kind, forkRecord{PPID: ppid, PID: pid}, nil

	case recExit:
		pid, err := readU32(r)
		if err != nil {
			return kind, nil, err
		}
		var code int32
		if err := binary.Read(r, binary.LittleEndian, &code); err != nil {
			return kind, nil, err
		}
		return kind, exitRecord{PID: pid, ExitCode: code}, nil

	default:
		return kind, nil, fmt.Errorf("ebpfassembler: unknown record kind %d", kind)
	}
}
