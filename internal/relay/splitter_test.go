package relay

import (
	"strings"
	"testing"
)

func TestSplitSingleChunkHasNoPrefix(t *testing.T) {
	chunks := Split("short message")
	if len(chunks) != 1 || chunks[0] != "short message" {
		t.Fatalf("expected single unprefixed chunk, got %+v", chunks)
	}
}

func TestSplitRespectsByteCap(t *testing.T) {
	text := strings.Repeat("a", 500)
	chunks := Split(text)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks for 500 byte input, got %d", len(chunks))
	}
	for _, c := range chunks {
		if len(c) > maxChunkBytes {
			t.Fatalf("chunk exceeds %d bytes: %d", maxChunkBytes, len(c))
		}
	}
}

func TestSplitConcatenationEqualsOriginal(t *testing.T) {
	text := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 20)
	chunks := Split(text)

	var rebuilt strings.Builder
	for _, c := range chunks {
		body := stripPrefix(c)
		rebuilt.WriteString(body)
	}
	if rebuilt.String() != text {
		t.Fatalf("concatenated chunks do not equal original text")
	}
}

func stripPrefix(chunk string) string {
	if idx := strings.Index(chunk, "] "); idx >= 0 && strings.HasPrefix(chunk, "[") {
		return chunk[idx+2:]
	}
	return chunk
}
