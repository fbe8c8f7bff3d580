package inspect

import (
	"testing"

	"github.com/google/btree"
)

func TestSplitEnvEntriesBasic(t *testing.T) {
	raw := [][]byte{
		[]byte("PATH=/usr/bin"),
		[]byte("HOME=/root"),
	}
	dash, entries := splitEnvEntries(raw)
	if dash {
		t.Fatalf("did not expect dash env")
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if string(entries[0].Key) != "PATH" || string(entries[0].Value) != "/usr/bin" {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
}

func TestSplitEnvEntriesDashDetection(t *testing.T) {
	raw := [][]byte{[]byte("-bash")}
	dash, entries := splitEnvEntries(raw)
	if !dash {
		t.Fatalf("expected dash env to be detected")
	}
	if len(entries) != 1 || string(entries[0].Key) != "-bash" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestSplitEnvEntriesLastWriteWins(t *testing.T) {
	raw := [][]byte{
		[]byte("FOO=1"),
		[]byte("FOO=2"),
	}
	_, entries := splitEnvEntries(raw)
	if len(entries) != 1 {
		t.Fatalf("expected duplicate keys to collapse, got %d entries", len(entries))
	}
	if string(entries[0].Value) != "2" {
		t.Fatalf("expected last write to win, got %q", entries[0].Value)
	}
}

func TestSplitEnvEntriesNoEquals(t *testing.T) {
	raw := [][]byte{[]byte("JUSTAKEY")}
	_, entries := splitEnvEntries(raw)
	if len(entries) != 1 || string(entries[0].Key) != "JUSTAKEY" || entries[0].Value != nil {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestHostEndianUint64DecodesLittleEndian(t *testing.T) {
	b := []byte{1, 0, 0, 0, 0, 0, 0, 0}
	if hostEndianUint64(b) != 1 {
		t.Fatalf("expected little-endian decode of 1")
	}
}

func TestIndexByte(t *testing.T) {
	if indexByte([]byte("a=b"), '=') != 1 {
		t.Fatalf("expected index 1")
	}
	if indexByte([]byte("noequals"), '=') != -1 {
		t.Fatalf("expected -1 for missing byte")
	}
}

func TestPageOffsetAligned(t *testing.T) {
	base, offset := pageOffset(0x1000)
	if base != 0x1000 || offset != 0 {
		t.Fatalf("expected (0x1000, 0), got (%#x, %d)", base, offset)
	}
}

func TestPageOffsetMidPage(t *testing.T) {
	base, offset := pageOffset(0x1234)
	if base != 0x1000 || offset != 0x234 {
		t.Fatalf("expected (0x1000, 0x234), got (%#x, %d)", base, offset)
	}
}

func TestPageOffsetNearBoundary(t *testing.T) {
	addr := uintptr(0x1000 + pageSize - 2)
	base, offset := pageOffset(addr)
	if base != 0x1000 {
		t.Fatalf("expected base 0x1000, got %#x", base)
	}
	if offset+wordSize <= pageSize {
		t.Fatalf("expected this offset to straddle the page boundary for an 8-byte word")
	}
}

func TestPageLessOrdersByBase(t *testing.T) {
	low := page{base: 0x1000}
	high := page{base: 0x2000}
	if !low.Less(high) || high.Less(low) {
		t.Fatalf("expected page.Less to order strictly by base address")
	}
}

func TestCacheReusesPageAcrossAdjacentReads(t *testing.T) {
	c := NewCache()
	p := page{base: 0x4000, data: [pageSize]byte{0: 42, 8: 7}}
	c.tree.ReplaceOrInsert(p)

	item := c.tree.Get(page{base: 0x4000})
	if item == nil {
		t.Fatalf("expected the inserted page to be retrievable by base address alone")
	}
	got := item.(page)
	if got.data[0] != 42 || got.data[8] != 7 {
		t.Fatalf("unexpected cached page contents: %+v", got)
	}
}

func TestCacheTreeIsEmptyInitially(t *testing.T) {
	c := NewCache()
	if c.tree.Len() != 0 {
		t.Fatalf("expected a fresh Cache to hold no pages")
	}
	// Sanity check that page satisfies btree.Item the way Cache relies on.
	var _ btree.Item = page{}
}
