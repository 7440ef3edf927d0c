// Package command parses inbound mesh text into the station's command
// grammar (§4.D). It is new code — the teacher has no inbound command
// surface of its own — grounded on the teacher's regexp-based parsing
// style used in internal/message for address extraction.
package command

import (
	"regexp"
	"strings"
	"unicode"
)

// Kind tags which operation a parsed Command requests.
type Kind int

const (
	// KindEcho is the fallback: the text carries no recognized command
	// and should be echoed back to the sender unchanged (§4.D: "anything
	// else, including a bare @token with no trailing text, is Echo").
	KindEcho Kind = iota
	// KindRelay requests delivery of Text to Target.
	KindRelay
	// KindListNodes requests a listing of known nodes ("nodes").
	KindListNodes
	// KindStatus requests station status ("status").
	KindStatus
	// KindInstructions requests the help text ("instructions"/"help").
	KindInstructions
)

// Command is the parsed result of a single inbound text message.
type Command struct {
	Kind   Kind
	Target string // set only for KindRelay: the "@target" addressee
	Text   string // the relay payload, or the original text for Echo
}

// relayPattern matches "@target remainder text", requiring at least one
// non-whitespace character after the target (§4.D).
var relayPattern = regexp.MustCompile(`^@(\w+)\s+(.+)$`)

// Parse classifies a single inbound text message. Keyword matching is
// case-insensitive with surrounding whitespace trimmed (§4.D); relay
// targets are lowercased since node addressing is case-insensitive.
func Parse(text string) Command {
	if m := relayPattern.FindStringSubmatch(strings.TrimRightFunc(text, unicode.IsSpace)); m != nil {
		return Command{Kind: KindRelay, Target: strings.ToLower(m[1]), Text: m[2]}
	}

	switch strings.ToLower(strings.TrimSpace(text)) {
	case "nodes":
		return Command{Kind: KindListNodes, Text: text}
	case "status":
		return Command{Kind: KindStatus, Text: text}
	case "instructions", "help":
		return Command{Kind: KindInstructions, Text: text}
	default:
		return Command{Kind: KindEcho, Text: text}
	}
}
