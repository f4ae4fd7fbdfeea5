// Package repair completes truncated JSON fragments received from a stream.
//
// A fragment goes through four stages: normalize collapses whitespace and
// replaces unknown bare words with null, balance scans the text keeping a
// stack of pending closers, closeFragment finishes whatever token was cut off
// and appends the closers, and cleanup removes members and elements left
// without a value.
package repair

import "strings"

// Complete returns a syntactically complete JSON document built from input.
// It returns false when input is empty after trimming.
//
// The result is best effort: nesting is balanced and unrecoverable scalars
// become null, but the values are not guaranteed to match what the sender
// meant to transmit.
func Complete(input string) (string, bool) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", false
	}

	s = normalize(s)
	return cleanup(closeFragment(s, balance(s))), true
}

// MustComplete is like Complete but returns "null" for empty input.
func MustComplete(input string) string {
	out, ok := Complete(input)
	if !ok {
		return "null"
	}
	return out
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isLetter(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentByte(c byte) bool {
	return isLetter(c) || isDigit(c)
}

func isNumberByte(c byte) bool {
	return isDigit(c) || c == '.' || c == 'e' || c == 'E' || c == '+' || c == '-'
}

func isHex(c byte) bool {
	return isDigit(c) || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}
