package engine

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"ragent/internal/types"
)

// Textual tool-call markers some backends emit instead of native tool calls.
const (
	tagCallOpen    = "<tool_call>"
	tagCallClose   = "</tool_call>"
	tagFuncOpen    = "<function="
	tagFuncClose   = "</function>"
	tagParamOpen   = "<parameter="
	tagParamClose  = "</parameter>"
	legacyFuncMark = "to=functions."
)

// ParseToolCalls extracts tool calls written into assistant text, either as
//
//	<tool_call><function=NAME><parameter=KEY>VALUE</parameter></function></tool_call>
//
// (or a JSON object {"name":..., "arguments":...} inside <tool_call>), or in
// the legacy "to=functions.NAME {json}" form. It returns the calls and the
// text with the call markup removed. Text without calls is returned as is.
func ParseToolCalls(text string) ([]types.ToolCall, string) {
	if strings.Contains(text, tagCallOpen) {
		if calls, rest := parseTagged(text); len(calls) > 0 {
			return calls, rest
		}
	}
	if strings.Contains(text, legacyFuncMark) {
		if calls, rest := parseLegacy(text); len(calls) > 0 {
			return calls, rest
		}
	}
	return nil, text
}

func newCallID() string { return "call_" + uuid.NewString() }

// scanner walks src left to right.
type scanner struct {
	src string
	pos int
}

func (s *scanner) done() bool { return s.pos >= len(s.src) }

func (s *scanner) rest() string { return s.src[s.pos:] }

func (s *scanner) skipSpace() {
	for s.pos < len(s.src) {
		switch s.src[s.pos] {
		case ' ', '\t', '\n', '\r':
			s.pos++
		default:
			return
		}
	}
}

// consume advances past prefix when the input continues with it.
func (s *scanner) consume(prefix string) bool {
	if strings.HasPrefix(s.rest(), prefix) {
		s.pos += len(prefix)
		return true
	}
	return false
}

// until returns the text before marker and advances past the marker. Without
// the marker it returns the remaining input and reports false.
func (s *scanner) until(marker string) (string, bool) {
	idx := strings.Index(s.rest(), marker)
	if idx < 0 {
		out := s.rest()
		s.pos = len(s.src)
		return out, false
	}
	out := s.src[s.pos : s.pos+idx]
	s.pos += idx + len(marker)
	return out, true
}

// skipTo advances to the next '<' without consuming it.
func (s *scanner) skipTo(b byte) {
	idx := strings.IndexByte(s.rest(), b)
	if idx < 0 {
		s.pos = len(s.src)
		return
	}
	s.pos += idx
}

// jsonObject consumes one balanced {...} starting at the current position,
// ignoring braces inside JSON strings.
func (s *scanner) jsonObject() (string, bool) {
	if s.done() || s.src[s.pos] != '{' {
		return "", false
	}
	depth, inString, escaped := 0, false, false
	for i := s.pos; i < len(s.src); i++ {
		c := s.src[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				out := s.src[s.pos : i+1]
				s.pos = i + 1
				return out, true
			}
		}
	}
	return "", false
}

type tagState int

const (
	stText tagState = iota
	stCall
	stFunction
)

func parseTagged(text string) ([]types.ToolCall, string) {
	s := &scanner{src: text}
	var (
		calls []types.ToolCall
		kept  strings.Builder
		cur   types.ToolCall
		state = stText
	)
	emit := func() {
		if cur.Name != "" {
			cur.ID = newCallID()
			if cur.Arguments == nil {
				cur.Arguments = map[string]any{}
			}
			calls = append(calls, cur)
		}
		cur = types.ToolCall{}
	}

	for !s.done() {
		switch state {
		case stText:
			before, found := s.until(tagCallOpen)
			kept.WriteString(before)
			if found {
				state = stCall
				cur = types.ToolCall{}
			}

		case stCall:
			s.skipSpace()
			switch {
			case s.consume(tagFuncOpen):
				name, _ := s.until(">")
				cur.Name = strings.TrimSpace(name)
				cur.Arguments = map[string]any{}
				state = stFunction
			case s.consume(tagCallClose):
				emit()
				state = stText
			case !s.done() && s.src[s.pos] == '{':
				raw, ok := s.jsonObject()
				if !ok {
					s.pos = len(s.src)
					break
				}
				var obj struct {
					Name      string          `json:"name"`
					Arguments json.RawMessage `json:"arguments"`
				}
				if json.Unmarshal([]byte(raw), &obj) == nil {
					cur.Name = strings.TrimSpace(obj.Name)
					cur.Arguments = decodeArgs(obj.Arguments)
				}
			default:
				s.pos++
				s.skipTo('<')
			}

		case stFunction:
			s.skipSpace()
			switch {
			case s.consume(tagParamOpen):
				key, _ := s.until(">")
				value, _ := s.until(tagParamClose)
				if key = strings.TrimSpace(key); key != "" {
					cur.Arguments[key] = decodeValue(value)
				}
			case s.consume(tagFuncClose):
				state = stCall
			case s.consume(tagCallClose):
				emit()
				state = stText
			default:
				s.pos++
				s.skipTo('<')
			}
		}
	}
	if state != stText {
		emit()
	}
	return calls, strings.TrimSpace(kept.String())
}

// decodeValue trims a parameter value and decodes it when it is a JSON
// array or object. Everything else stays a string.
func decodeValue(raw string) any {
	v := strings.TrimSpace(raw)
	if strings.HasPrefix(v, "[") || strings.HasPrefix(v, "{") {
		var decoded any
		if json.Unmarshal([]byte(v), &decoded) == nil {
			return decoded
		}
	}
	return v
}

// decodeArgs accepts an arguments object or a string holding one.
func decodeArgs(raw json.RawMessage) map[string]any {
	args := map[string]any{}
	if len(raw) == 0 {
		return args
	}
	var encoded string
	if json.Unmarshal(raw, &encoded) == nil {
		raw = json.RawMessage(encoded)
	}
	if json.Unmarshal(raw, &args) != nil {
		return map[string]any{}
	}
	return args
}

func parseLegacy(text string) ([]types.ToolCall, string) {
	s := &scanner{src: text}
	var (
		calls []types.ToolCall
		kept  strings.Builder
	)
	for !s.done() {
		before, found := s.until(legacyFuncMark)
		if !found {
			kept.WriteString(before)
			break
		}
		kept.WriteString(before)

		start := s.pos
		for !s.done() && isNameByte(s.src[s.pos]) {
			s.pos++
		}
		name := s.src[start:s.pos]
		s.skipTo('{')
		raw, ok := s.jsonObject()
		if name == "" || !ok {
			continue
		}
		calls = append(calls, types.ToolCall{ID: newCallID(), Name: name, Arguments: decodeArgs(json.RawMessage(raw))})
	}
	return calls, strings.TrimSpace(kept.String())
}

func isNameByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '_' || b == '-'
}
