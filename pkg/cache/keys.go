package cache

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// MaxKeyLength bounds every key accepted by the layers.
const MaxKeyLength = 250

// KeySeparator joins key segments.
const KeySeparator = ":"

// ValidateKey checks that key is non-empty, at most MaxKeyLength bytes,
// free of control characters and not padded with whitespace.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}

	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: key too long (max %d characters)", ErrInvalidKey, MaxKeyLength)
	}

	for _, r := range key {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: key contains control character", ErrInvalidKey)
		}
	}

	if strings.TrimSpace(key) != key {
		return fmt.Errorf("%w: key has leading or trailing whitespace", ErrInvalidKey)
	}

	return nil
}

// HasKeyPrefix reports whether key equals prefix or continues it after a
// separator, so "1:transaction" matches "1:transaction:9" but not
// "1:transactions".
func HasKeyPrefix(key, prefix string) bool {
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(key, prefix) {
		return false
	}
	rest := key[len(prefix):]
	return rest == "" || strings.HasPrefix(rest, KeySeparator) || strings.HasSuffix(prefix, KeySeparator)
}

// KeyPattern builds keys from segments under an optional namespace.
type KeyPattern struct {
	prefix    string
	separator string
}

// NewKeyPattern creates a new key pattern with the given prefix and separator.
func NewKeyPattern(prefix, separator string) *KeyPattern {
	if separator == "" {
		separator = KeySeparator
	}
	return &KeyPattern{
		prefix:    prefix,
		separator: separator,
	}
}

// Build joins parts under the pattern prefix.
// Example: NewKeyPattern("smartfi", ":").Build("1", "transaction") -> "smartfi:1:transaction"
func (kp *KeyPattern) Build(parts ...string) string {
	segments := make([]string, 0, len(parts)+1)
	if kp.prefix != "" {
		segments = append(segments, kp.prefix)
	}
	segments = append(segments, parts...)
	return strings.Join(segments, kp.separator)
}

// MustBuild is like Build but panics if the resulting key is invalid.
func (kp *KeyPattern) MustBuild(parts ...string) string {
	key := kp.Build(parts...)
	if err := ValidateKey(key); err != nil {
		panic(fmt.Sprintf("invalid key generated: %v", err))
	}
	return key
}

// Keys names the query families the feed publishes into and invalidates.
// Every family belonging to a user sits under that user's segment.
type Keys struct {
	pattern *KeyPattern
}

// NewKeys returns key builders under namespace, which may be empty. The zero
// Keys builds keys without a namespace.
func NewKeys(namespace string) Keys {
	return Keys{pattern: NewKeyPattern(namespace, KeySeparator)}
}

func (k Keys) build(parts ...string) string {
	if k.pattern == nil {
		return NewKeyPattern("", KeySeparator).MustBuild(parts...)
	}
	return k.pattern.MustBuild(parts...)
}

// User is the root of every family owned by userID.
func (k Keys) User(userID int64) string {
	return k.build(strconv.FormatInt(userID, 10))
}

// Transactions is the steady-state transaction list of userID.
func (k Keys) Transactions(userID int64) string {
	return k.build(strconv.FormatInt(userID, 10), "transaction")
}

// Transaction is a single transaction of userID.
func (k Keys) Transaction(userID, id int64) string {
	return k.build(strconv.FormatInt(userID, 10), "transaction", strconv.FormatInt(id, 10))
}

// Accounts is the account list of userID.
func (k Keys) Accounts(userID int64) string {
	return k.build(strconv.FormatInt(userID, 10), "account")
}

// Stream is the list live records are appended to.
func (k Keys) Stream() string {
	return k.build("stream")
}
