package repair

import "strings"

// keySentinel sits above an object's closer until the object's first colon
// is seen. It marks an object that is still waiting for its first key.
const keySentinel = ':'

// scanState is what balance leaves behind after reading a fragment.
type scanState struct {
	// stack holds pending closers, innermost last.
	stack    []byte
	inString bool
	// escapeAt is the offset of an unfinished escape sequence inside the
	// open string, or -1.
	escapeAt int
}

func (st *scanState) push(c byte) {
	st.stack = append(st.stack, c)
}

func (st *scanState) pop(c byte) {
	if n := len(st.stack); n > 0 && st.stack[n-1] == c {
		st.stack = st.stack[:n-1]
	}
}

func (st *scanState) top() byte {
	if len(st.stack) == 0 {
		return 0
	}
	return st.stack[len(st.stack)-1]
}

// balance scans s and returns the closers still pending at its end. Inside
// strings only an unescaped quote is significant.
func balance(s string) scanState {
	st := scanState{escapeAt: -1}
	hex := 0

	for i := 0; i < len(s); i++ {
		c := s[i]
		if st.inString {
			if hex > 0 {
				if isHex(c) {
					if hex--; hex == 0 {
						st.escapeAt = -1
					}
					continue
				}
				hex, st.escapeAt = 0, -1
			}
			if st.escapeAt >= 0 {
				if c == 'u' {
					hex = 4
				} else {
					st.escapeAt = -1
				}
				continue
			}
			switch c {
			case '\\':
				st.escapeAt = i
			case '"':
				st.inString = false
				st.pop('"')
			}
			continue
		}

		switch c {
		case '"':
			st.inString = true
			st.push('"')
		case '{':
			st.push('}')
			st.push(keySentinel)
		case '[':
			st.push(']')
		case ':':
			st.pop(keySentinel)
		case '}':
			st.pop(keySentinel)
			st.pop('}')
		case ']':
			st.pop(']')
		}
	}

	return st
}

// closeFragment finishes the token that s was cut off in and appends the
// pending closers from st.
func closeFragment(s string, st scanState) string {
	if st.inString {
		if st.escapeAt >= 0 {
			s = s[:st.escapeAt]
		}
		s += `"`
		st.pop('"')
	} else {
		s = trimNumberTail(s)
	}

	var b strings.Builder
	b.WriteString(s)

	stack := st.stack
	if st.top() == keySentinel {
		stack = stack[:len(stack)-1]
		if !strings.HasSuffix(s, "{") {
			b.WriteByte(':')
		}
	}
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}

	return b.String()
}

// trimNumberTail removes a dangling sign, dot or exponent marker from a
// number at the end of s.
func trimNumberTail(s string) string {
	i := len(s)
	for i > 0 && isNumberByte(s[i-1]) {
		i--
	}
	run := s[i:]
	if run == "" || !(isDigit(run[0]) || run[0] == '-') {
		return s
	}
	if i > 0 && isIdentByte(s[i-1]) {
		return s
	}
	return s[:i] + strings.TrimRight(run, "+-.eE")
}
