package repair

import (
	"fmt"
	"regexp"
	"strings"
)

type tokenKind uint8

const (
	tokOpenObject tokenKind = iota
	tokCloseObject
	tokOpenArray
	tokCloseArray
	tokComma
	tokColon
	tokString
	tokScalar
)

type token struct {
	kind tokenKind
	lead string
	text string
}

var numberPattern = regexp.MustCompile(`^-?(?:0|[1-9][0-9]*)(?:\.[0-9]+)?(?:[eE][+-]?[0-9]+)?$`)

// lex splits s into JSON tokens. Whitespace is attached to the token that
// follows it and bytes that cannot start a token are dropped.
func lex(s string) []token {
	var (
		tokens []token
		lead   strings.Builder
	)
	emit := func(kind tokenKind, text string) {
		tokens = append(tokens, token{kind: kind, lead: lead.String(), text: text})
		lead.Reset()
	}

	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case isSpace(c) || c == '\r' || c == '\n':
			lead.WriteByte(c)
			i++
		case c == '{':
			emit(tokOpenObject, "{")
			i++
		case c == '}':
			emit(tokCloseObject, "}")
			i++
		case c == '[':
			emit(tokOpenArray, "[")
			i++
		case c == ']':
			emit(tokCloseArray, "]")
			i++
		case c == ',':
			emit(tokComma, ",")
			i++
		case c == ':':
			emit(tokColon, ":")
			i++
		case c == '"':
			var text string
			text, i = lexString(s, i)
			emit(tokString, text)
		case isDigit(c) || c == '-':
			j := i + 1
			for j < len(s) && isNumberByte(s[j]) {
				j++
			}
			if num := s[i:j]; numberPattern.MatchString(num) {
				emit(tokScalar, num)
			} else {
				emit(tokScalar, "null")
			}
			i = j
		case isLetter(c):
			j := i + 1
			for j < len(s) && isIdentByte(s[j]) {
				j++
			}
			switch word := s[i:j]; word {
			case "true", "false", "null":
				emit(tokScalar, word)
			}
			i = j
		default:
			i++
		}
	}

	return tokens
}

// lexString reads the string starting at s[i] and returns it in a form
// encoding/json accepts. Control characters are escaped, invalid escapes
// lose their backslash and a missing closing quote is added.
func lexString(s string, i int) (string, int) {
	var b strings.Builder
	b.WriteByte('"')
	i++

	for i < len(s) {
		c := s[i]
		switch {
		case c == '"':
			b.WriteByte('"')
			return b.String(), i + 1
		case c == '\\':
			if n := escapeLen(s[i:]); n > 0 {
				b.WriteString(s[i : i+n])
				i += n
			} else {
				i++
			}
		case c < 0x20:
			fmt.Fprintf(&b, `\u%04x`, c)
			i++
		default:
			b.WriteByte(c)
			i++
		}
	}

	b.WriteByte('"')
	return b.String(), i
}

// escapeLen returns the length of the valid escape sequence at the start of
// s, or 0.
func escapeLen(s string) int {
	if len(s) < 2 {
		return 0
	}
	switch s[1] {
	case '"', '\\', '/', 'b', 'f', 'n', 'r', 't':
		return 2
	case 'u':
		if len(s) < 6 {
			return 0
		}
		for k := 2; k < 6; k++ {
			if !isHex(s[k]) {
				return 0
			}
		}
		return 6
	}
	return 0
}

type frameKind uint8

const (
	frameTop frameKind = iota
	frameObject
	frameArray
	// frameSkip swallows a container found where no value is allowed.
	frameSkip
)

type phase uint8

const (
	expectValue phase = iota
	expectKey
	expectColon
	expectMemberValue
	expectNext
)

type frame struct {
	kind  frameKind
	phase phase
	// sep is the index of the comma that opened the current member or
	// element, -1 for the first one.
	sep      int
	key      int
	emptyKey bool
	depth    int
}

type cleaner struct {
	out   []token
	stack []*frame
}

// cleanup rewrites s into valid JSON. Tokens that are not allowed where they
// appear are dropped; at every closer a trailing comma is removed, a key
// without a value gets null and an empty key without a value is removed
// together with its member.
func cleanup(s string) string {
	c := &cleaner{stack: []*frame{{kind: frameTop, phase: expectValue, sep: -1}}}
	for _, t := range lex(s) {
		c.feed(t)
	}
	for len(c.stack) > 1 {
		c.finish()
	}
	if len(c.out) == 0 {
		return "null"
	}

	var b strings.Builder
	for _, t := range c.out {
		b.WriteString(t.lead)
		b.WriteString(t.text)
	}
	return b.String()
}

func (c *cleaner) top() *frame {
	return c.stack[len(c.stack)-1]
}

func (c *cleaner) push(f *frame) {
	c.stack = append(c.stack, f)
}

func (c *cleaner) pop() {
	c.stack = c.stack[:len(c.stack)-1]
}

func (c *cleaner) emit(t token) int {
	c.out = append(c.out, t)
	return len(c.out) - 1
}

func (c *cleaner) truncate(n int) {
	if n >= 0 && n < len(c.out) {
		c.out = c.out[:n]
	}
}

func (c *cleaner) feed(t token) {
	f := c.top()
	if f.kind == frameSkip {
		switch t.kind {
		case tokOpenObject, tokOpenArray:
			f.depth++
		case tokCloseObject, tokCloseArray:
			if f.depth--; f.depth == 0 {
				c.pop()
			}
		}
		return
	}

	switch t.kind {
	case tokOpenObject, tokOpenArray, tokString, tokScalar:
		c.value(f, t)
	case tokColon:
		if f.kind == frameObject && f.phase == expectColon {
			c.emit(t)
			f.phase = expectMemberValue
		}
	case tokComma:
		if f.kind != frameTop && f.phase == expectNext {
			f.sep = c.emit(t)
			if f.kind == frameObject {
				f.phase = expectKey
			} else {
				f.phase = expectValue
			}
		}
	case tokCloseObject:
		if f.kind == frameObject {
			c.closeObject(t)
		}
	case tokCloseArray:
		if f.kind == frameArray {
			c.closeArray(t)
		}
	}
}

func (c *cleaner) value(f *frame, t token) {
	switch f.phase {
	case expectValue, expectMemberValue:
		f.phase = expectNext
		c.emit(t)
		switch t.kind {
		case tokOpenObject:
			c.push(&frame{kind: frameObject, phase: expectKey, sep: -1, key: -1})
		case tokOpenArray:
			c.push(&frame{kind: frameArray, phase: expectValue, sep: -1})
		}
		return
	case expectKey:
		if t.kind == tokString {
			f.key = c.emit(t)
			f.emptyKey = t.text == `""`
			f.phase = expectColon
			return
		}
	}

	if t.kind == tokOpenObject || t.kind == tokOpenArray {
		c.push(&frame{kind: frameSkip, depth: 1})
	}
}

func (c *cleaner) closeObject(t token) {
	f := c.top()
	switch f.phase {
	case expectKey:
		if f.sep >= 0 {
			c.truncate(f.sep)
		}
	case expectColon:
		if f.sep < 0 && !f.emptyKey {
			c.emit(token{kind: tokColon, text: ":"})
			c.emit(token{kind: tokScalar, lead: " ", text: "null"})
		} else {
			c.dropMember(f)
		}
	case expectMemberValue:
		if f.emptyKey {
			c.dropMember(f)
		} else {
			c.emit(token{kind: tokScalar, lead: " ", text: "null"})
		}
	}
	c.emit(t)
	c.pop()
}

func (c *cleaner) dropMember(f *frame) {
	if f.sep >= 0 {
		c.truncate(f.sep)
		return
	}
	c.truncate(f.key)
}

func (c *cleaner) closeArray(t token) {
	f := c.top()
	if f.phase == expectValue && f.sep >= 0 {
		c.truncate(f.sep)
	}
	c.emit(t)
	c.pop()
}

// finish closes the innermost open frame at end of input.
func (c *cleaner) finish() {
	switch c.top().kind {
	case frameObject:
		c.closeObject(token{kind: tokCloseObject, text: "}"})
	case frameArray:
		c.closeArray(token{kind: tokCloseArray, text: "]"})
	default:
		c.pop()
	}
}
