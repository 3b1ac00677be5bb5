package processor

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/nextlevelbuilder/agentrun/internal/tools"
)

// markupCall is a fully parsed inline tool invocation.
type markupCall struct {
	toolID string
	method string
	params map[string]any
	raw    string
}

// segment is one output of the scanner: plain text, a parsed call, or
// a tag that was structurally complete but failed parameter extraction.
type segment struct {
	text     string
	call     *markupCall
	parseErr error
	tag      string
}

// markupScanner incrementally recognizes registered tags in streaming
// assistant text. Text that might be the start of a tag is held back
// until enough input arrives to decide.
type markupScanner struct {
	registry *tools.Registry
	buf      string
}

func newMarkupScanner(registry *tools.Registry) *markupScanner {
	return &markupScanner{registry: registry}
}

// feed appends text and returns every segment that can be decided now.
func (s *markupScanner) feed(text string) []segment {
	s.buf += text
	return s.drain(false)
}

// flush decides everything left at stream end. A tag opener that never
// closed is surfaced as plain text.
func (s *markupScanner) flush() []segment {
	return s.drain(true)
}

func (s *markupScanner) drain(final bool) []segment {
	var out []segment
	tags := s.registry.MarkupTags()

	for {
		start, tag, decided := findTagStart(s.buf, tags)
		if !decided && !final {
			// Tail could still become a tag opener; hold everything
			// from the ambiguous position.
			if start > 0 {
				out = append(out, segment{text: s.buf[:start]})
				s.buf = s.buf[start:]
			}
			return out
		}
		if tag == "" {
			// No tag anywhere in the buffer.
			if s.buf != "" {
				out = append(out, segment{text: s.buf})
				s.buf = ""
			}
			return out
		}

		raw, complete := cutTag(s.buf[start:], tag)
		if !complete {
			if !final {
				if start > 0 {
					out = append(out, segment{text: s.buf[:start]})
					s.buf = s.buf[start:]
				}
				return out
			}
			// Stream ended mid-tag; treat it as prose.
			out = append(out, segment{text: s.buf})
			s.buf = ""
			return out
		}

		if start > 0 {
			out = append(out, segment{text: s.buf[:start]})
		}
		s.buf = s.buf[start+len(raw):]

		toolID, method, schema, ok := s.registry.MarkupTarget(tag)
		if !ok {
			out = append(out, segment{text: raw})
			continue
		}
		params, err := extractParams(raw, tag, schema)
		if err != nil {
			out = append(out, segment{parseErr: err, tag: tag})
			continue
		}
		out = append(out, segment{call: &markupCall{
			toolID: toolID, method: method, params: params, raw: raw,
		}})
	}
}

// findTagStart locates the earliest position where a registered tag
// opens. decided is false when the buffer's tail is a prefix of a
// possible opener and more input is needed; start then points at that
// ambiguous position.
func findTagStart(buf string, tags []string) (start int, tag string, decided bool) {
	for i := 0; i < len(buf); i++ {
		if buf[i] != '<' {
			continue
		}
		rest := buf[i+1:]
		matched := ""
		for _, t := range tags {
			if strings.HasPrefix(rest, t) {
				after := rest[len(t):]
				if after == "" {
					return i, "", false // need the boundary character
				}
				if isTagBoundary(after[0]) && len(t) > len(matched) {
					matched = t
				}
			} else if strings.HasPrefix(t, rest) {
				return i, "", false // tail is a prefix of this tag name
			}
		}
		if matched != "" {
			return i, matched, true
		}
	}
	return len(buf), "", true
}

func isTagBoundary(b byte) bool {
	return b == ' ' || b == '>' || b == '/' || b == '\t' || b == '\n' || b == '\r'
}

// cutTag returns the complete tag text starting at buf[0], which must
// begin with "<tag". complete is false when the closing is not yet in
// the buffer.
func cutTag(buf, tag string) (raw string, complete bool) {
	openEnd, selfClosing, ok := findOpenEnd(buf)
	if !ok {
		return "", false
	}
	if selfClosing {
		return buf[:openEnd+1], true
	}
	closer := "</" + tag + ">"
	idx := strings.Index(buf[openEnd+1:], closer)
	if idx < 0 {
		return "", false
	}
	return buf[:openEnd+1+idx+len(closer)], true
}

// findOpenEnd finds the '>' terminating the opening tag, skipping over
// quoted attribute values.
func findOpenEnd(buf string) (end int, selfClosing, ok bool) {
	var quote byte
	for i := 0; i < len(buf); i++ {
		c := buf[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '>':
			return i, i > 0 && buf[i-1] == '/', true
		}
	}
	return 0, false, false
}

// extractParams pulls parameter values out of a complete tag according
// to the method's markup mapping.
func extractParams(raw, tag string, schema *tools.MarkupSchema) (map[string]any, error) {
	openEnd, selfClosing, _ := findOpenEnd(raw)
	attrs := parseAttrs(raw[1+len(tag) : openEnd])

	inner := ""
	if !selfClosing {
		closer := "</" + tag + ">"
		inner = raw[openEnd+1 : len(raw)-len(closer)]
	}

	params := make(map[string]any, len(schema.Params))
	for _, p := range schema.Params {
		switch p.Source {
		case tools.SourceAttribute:
			v, ok := attrs[p.Name]
			if !ok {
				return nil, fmt.Errorf("missing attribute %q in <%s>", p.Name, tag)
			}
			params[p.Name] = v
		case tools.SourceElement:
			v, err := elementText(inner, p.Path)
			if err != nil {
				return nil, fmt.Errorf("element %q in <%s>: %w", p.Path, tag, err)
			}
			params[p.Name] = v
		case tools.SourceContent:
			params[p.Name] = inner
		default:
			return nil, fmt.Errorf("unknown parameter source %q for %q", p.Source, p.Name)
		}
	}
	return params, nil
}

// parseAttrs reads name="value" pairs from an opening tag's attribute
// text. Both quote styles are accepted; values are not unescaped
// beyond quote stripping, since models emit literal text.
func parseAttrs(s string) map[string]string {
	attrs := make(map[string]string)
	i := 0
	for i < len(s) {
		for i < len(s) && (unicode.IsSpace(rune(s[i])) || s[i] == '/') {
			i++
		}
		nameStart := i
		for i < len(s) && s[i] != '=' && !unicode.IsSpace(rune(s[i])) && s[i] != '/' {
			i++
		}
		name := s[nameStart:i]
		if name == "" {
			break
		}
		for i < len(s) && unicode.IsSpace(rune(s[i])) {
			i++
		}
		if i >= len(s) || s[i] != '=' {
			attrs[name] = "" // bare attribute
			continue
		}
		i++
		for i < len(s) && unicode.IsSpace(rune(s[i])) {
			i++
		}
		if i < len(s) && (s[i] == '"' || s[i] == '\'') {
			quote := s[i]
			i++
			valStart := i
			for i < len(s) && s[i] != quote {
				i++
			}
			attrs[name] = s[valStart:i]
			if i < len(s) {
				i++
			}
		} else {
			valStart := i
			for i < len(s) && !unicode.IsSpace(rune(s[i])) && s[i] != '/' {
				i++
			}
			attrs[name] = s[valStart:i]
		}
	}
	return attrs
}

// elementText returns the text of a nested element at a slash-separated
// relative path.
func elementText(inner, path string) (string, error) {
	text := inner
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			continue
		}
		open := "<" + seg
		idx := strings.Index(text, open)
		if idx < 0 {
			return "", fmt.Errorf("element <%s> not found", seg)
		}
		after := text[idx:]
		openEnd, selfClosing, ok := findOpenEnd(after)
		if !ok || selfClosing {
			return "", fmt.Errorf("element <%s> has no content", seg)
		}
		closer := "</" + seg + ">"
		closeIdx := strings.Index(after[openEnd+1:], closer)
		if closeIdx < 0 {
			return "", fmt.Errorf("element <%s> not closed", seg)
		}
		text = after[openEnd+1 : openEnd+1+closeIdx]
	}
	return strings.TrimSpace(text), nil
}
