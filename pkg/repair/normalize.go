package repair

import "strings"

// normalize drops line breaks, removes whitespace runs of two or more
// characters outside strings, and rewrites every bare word that is not a
// JSON literal to null.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString, escaped := false, false
	for i := 0; i < len(s); {
		c := s[i]
		if c == '\r' || c == '\n' {
			i++
			continue
		}

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			b.WriteByte(c)
			i++
			continue
		}

		switch {
		case c == '"':
			inString = true
			b.WriteByte(c)
			i++
		case isSpace(c):
			j, n := i, 0
			for j < len(s) && (isSpace(s[j]) || s[j] == '\r' || s[j] == '\n') {
				if isSpace(s[j]) {
					n++
				}
				j++
			}
			if n == 1 {
				b.WriteByte(c)
			}
			i = j
		case isDigit(c) || c == '-':
			j := i + 1
			for j < len(s) && isNumberByte(s[j]) {
				j++
			}
			b.WriteString(s[i:j])
			i = j
		case isLetter(c):
			j := i + 1
			for j < len(s) && isIdentByte(s[j]) {
				j++
			}
			b.WriteString(literalOrNull(s[i:j]))
			i = j
		default:
			b.WriteByte(c)
			i++
		}
	}

	return b.String()
}

func literalOrNull(word string) string {
	switch word {
	case "true", "false", "null":
		return word
	default:
		return "null"
	}
}
