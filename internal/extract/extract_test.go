package extract

import (
	"strings"
	"testing"
)

func TestIsBinaryDetectsNullByteInHeader(t *testing.T) {
	if !IsBinary([]byte("PNG\x00fake-binary-payload")) {
		t.Errorf("IsBinary() on data with a null byte = false, want true")
	}
	if IsBinary([]byte("just plain text, no nulls here")) {
		t.Errorf("IsBinary() on plain text = true, want false")
	}
}

func TestIsBinaryOnlyChecksHeader(t *testing.T) {
	data := append([]byte(strings.Repeat("a", sniffWindow+10)), 0)
	if IsBinary(data) {
		t.Errorf("IsBinary() found a null byte past the sniff window, want false")
	}
}

func TestLimitsTooLarge(t *testing.T) {
	l := Limits{MaxFileSizeBytes: 10 * 1024 * 1024}
	if !l.TooLarge(10 * 1024 * 1024) {
		t.Errorf("TooLarge(cap) = false, want true (>=)")
	}
	if l.TooLarge(10*1024*1024 - 1) {
		t.Errorf("TooLarge(cap-1) = true, want false")
	}
}

func TestLimitsIsNoise(t *testing.T) {
	l := Limits{NoiseThresholdBytes: 10}
	if !l.IsNoise("", 0) {
		t.Errorf("IsNoise(empty, zero-byte) = false, want true")
	}
	if !l.IsNoise("", 10) {
		t.Errorf("IsNoise(empty, 10 bytes) = false, want true")
	}
	if l.IsNoise("", 11) {
		t.Errorf("IsNoise(empty, 11 bytes) = true, want false (above threshold)")
	}
	if l.IsNoise("hello world", 11) {
		t.Errorf("IsNoise(non-empty text) = true, want false")
	}
}

func TestChunkProducesOverlappingWindows(t *testing.T) {
	words := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		words = append(words, "word")
	}
	text := strings.Join(words, " ")

	chunks := Chunk(text, 8, 2)
	if len(chunks) == 0 {
		t.Fatalf("Chunk() returned no chunks")
	}
	for _, c := range chunks {
		n := len(strings.Fields(c))
		if n > 8 {
			t.Errorf("chunk has %d tokens, want <= 8: %q", n, c)
		}
	}
}

func TestChunkEmptyTextReturnsNoChunks(t *testing.T) {
	if chunks := Chunk("", 256, 32); chunks != nil {
		t.Errorf("Chunk(\"\") = %v, want nil", chunks)
	}
	if chunks := Chunk("   \n\t  ", 256, 32); chunks != nil {
		t.Errorf("Chunk(whitespace) = %v, want nil", chunks)
	}
}

func TestChunkShortTextIsOneChunk(t *testing.T) {
	chunks := Chunk("the chef chopped onions", 256, 32)
	if len(chunks) != 1 {
		t.Fatalf("Chunk() on short text = %d chunks, want 1", len(chunks))
	}
	if chunks[0] != "the chef chopped onions" {
		t.Errorf("Chunk()[0] = %q, want unchanged text", chunks[0])
	}
}
