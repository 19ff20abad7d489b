// Package extract defines the external collaborators the Indexer reaches
// through (text extraction and embedding) and the gate-keeping logic that
// decides whether a file is even worth handing to them: noise filtering,
// binary detection, and the size cap (spec.md §4.4, §13 non-goals).
//
// The extraction codecs and the embedding model are explicitly out of
// scope for this repository; TextExtractor and Embedder are the seams a
// real deployment plugs into.
package extract

import (
	"bytes"
	"context"
)

// TextExtractor turns a file's bytes into plain text. Implementations
// handle whatever codecs (PDF, HTML, office formats, plain text) a
// deployment needs; MagicFS only consumes the result.
type TextExtractor interface {
	Extract(ctx context.Context, absPath string, data []byte) (string, error)
}

// Embedder turns chunks of text into fixed-dimension vectors. The vector
// dimension and the model behind it are not fixed by this package.
type Embedder interface {
	Embed(ctx context.Context, chunks []string) ([][]float32, error)
}

// Limits holds the Indexer's gate-keeping tunables (spec.md §4.4).
type Limits struct {
	// NoiseThresholdBytes: at/below this size, empty extracted text means
	// "not worth embedding" rather than "extraction failed".
	NoiseThresholdBytes int64
	// MaxFileSizeBytes: at/above this size, the file is skipped entirely:
	// no registry row, no chunks.
	MaxFileSizeBytes int64
}

// sniffWindow is how many header bytes are inspected for a null byte when
// classifying a file as binary (spec.md §9: "Binary files (null byte in
// header) are never indexed").
const sniffWindow = 512

// IsBinary reports whether data's header contains a null byte.
func IsBinary(data []byte) bool {
	n := len(data)
	if n > sniffWindow {
		n = sniffWindow
	}
	return bytes.IndexByte(data[:n], 0) >= 0
}

// TooLarge reports whether size is at or above the configured cap. Files
// this large are skipped entirely: no registry row, no chunks.
func (l Limits) TooLarge(size int64) bool {
	return l.MaxFileSizeBytes > 0 && size >= l.MaxFileSizeBytes
}

// IsNoise reports whether a file with extractedText and the given size
// should get a registry row but no chunks: empty extracted text at or
// below the noise threshold. Zero-byte files fall into this bucket too
// (spec.md §4.4: "registry row is still written for zero-byte files").
func (l Limits) IsNoise(extractedText string, size int64) bool {
	return extractedText == "" && size <= l.NoiseThresholdBytes
}

// Chunk splits text into overlapping windows of approximately tokenCount
// whitespace-delimited tokens, with overlapTokens shared between adjacent
// chunks (spec.md §4.4: "~256 tokens with small overlap"). A token here is
// a whitespace-delimited word; MagicFS doesn't depend on a specific
// tokenizer, only on bounded, overlapping windows.
func Chunk(text string, tokenCount, overlapTokens int) []string {
	tokens := splitTokens(text)
	if len(tokens) == 0 {
		return nil
	}
	if tokenCount <= 0 {
		tokenCount = 256
	}
	if overlapTokens < 0 || overlapTokens >= tokenCount {
		overlapTokens = 0
	}

	stride := tokenCount - overlapTokens
	var chunks []string
	for start := 0; start < len(tokens); start += stride {
		end := start + tokenCount
		if end > len(tokens) {
			end = len(tokens)
		}
		chunks = append(chunks, joinTokens(tokens[start:end]))
		if end == len(tokens) {
			break
		}
	}
	return chunks
}

func splitTokens(text string) []string {
	var tokens []string
	start := -1
	for i, r := range text {
		if r == ' ' || r == '\n' || r == '\t' || r == '\r' {
			if start >= 0 {
				tokens = append(tokens, text[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		tokens = append(tokens, text[start:])
	}
	return tokens
}

func joinTokens(tokens []string) string {
	out := make([]byte, 0, len(tokens)*8)
	for i, tok := range tokens {
		if i > 0 {
			out = append(out, ' ')
		}
		out = append(out, tok...)
	}
	return string(out)
}
