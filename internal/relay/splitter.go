package relay

import "fmt"

// maxChunkBytes is the hard cap per outbound mesh chunk (§6).
const maxChunkBytes = 200

// minChunkSpacing is the minimum delay enforced between chunk sends
// (§6). It lives alongside Split as documentation of the contract the
// caller (sendChunked) must honor; Split itself is pure.
const minChunkSpacing = 500

// Split breaks text into chunks no larger than maxChunkBytes, each
// prefixed with "[i/N] " when more than one chunk is produced. The
// concatenation of the chunk bodies (with prefixes stripped) always
// equals the original text (§8 testable property 7).
func Split(text string) []string {
	// A lone chunk carries no "[i/N]" prefix, so first try against the
	// full budget.
	bodies := splitBytes([]byte(text), maxChunkBytes)
	if len(bodies) <= 1 {
		return bodies
	}

	// The prefix length depends on N, and N depends on how many chunks
	// we need, which depends on the prefix length. Re-split using the
	// budget for the actual chunk count until it stabilizes.
	n := len(bodies)
	for {
		budget := bodyBudget(n)
		bodies = splitBytes([]byte(text), budget)
		if len(bodies) == n || len(bodies) == 0 {
			break
		}
		n = len(bodies)
	}

	out := make([]string, len(bodies))
	for i, b := range bodies {
		out[i] = fmt.Sprintf("[%d/%d] %s", i+1, len(bodies), b)
	}
	return out
}

// bodyBudget returns how many bytes of body text fit per chunk once the
// "[i/N] " prefix (sized for n chunks) is accounted for.
func bodyBudget(n int) int {
	prefix := len(fmt.Sprintf("[%d/%d] ", n, n))
	budget := maxChunkBytes - prefix
	if budget < 1 {
		budget = 1
	}
	return budget
}

// splitBytes splits text into chunks of at most budget bytes, without
// splitting a multi-byte UTF-8 rune across chunks.
func splitBytes(text []byte, budget int) []string {
	if len(text) == 0 {
		return []string{""}
	}

	var chunks []string
	for len(text) > 0 {
		end := budget
		if end > len(text) {
			end = len(text)
		}
		// Back off until we're not splitting a UTF-8 continuation byte.
		for end > 0 && end < len(text) && isUTF8Continuation(text[end]) {
			end--
		}
		if end == 0 {
			end = budget
		}
		chunks = append(chunks, string(text[:end]))
		text = text[end:]
	}
	return chunks
}

func isUTF8Continuation(b byte) bool {
	return b&0xC0 == 0x80
}
