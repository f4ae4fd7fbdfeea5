package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/BuddyLim/smartfi/pkg/repair"
)

var (
	// ErrEmptyPayload is returned for payloads holding only whitespace.
	ErrEmptyPayload = errors.New("ledger: empty payload")

	// ErrMalformedPayload is returned when a payload cannot be turned into a
	// record even after repair.
	ErrMalformedPayload = errors.New("ledger: malformed payload")
)

// Decode repairs payload and decodes it into a Record. Fields whose repaired
// value has the wrong type are left at their zero value.
func Decode(payload string) (Record, error) {
	text, ok := repair.Complete(payload)
	if !ok {
		return Record{}, ErrEmptyPayload
	}
	if !strings.HasPrefix(text, "{") {
		return Record{}, fmt.Errorf("%w: not an object", ErrMalformedPayload)
	}

	var rec Record
	if err := unmarshalLenient(text, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// DecodeList repairs payload and decodes it into a list of records.
func DecodeList(payload string) ([]Record, error) {
	text, ok := repair.Complete(payload)
	if !ok {
		return nil, ErrEmptyPayload
	}
	if text == "null" {
		return nil, nil
	}
	if !strings.HasPrefix(text, "[") {
		return nil, fmt.Errorf("%w: not a list", ErrMalformedPayload)
	}

	var recs []Record
	if err := unmarshalLenient(text, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func unmarshalLenient(text string, v any) error {
	err := json.Unmarshal([]byte(text), v)
	if err == nil {
		return nil
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
}

// IsMalformed reports whether err came from a payload that could not be decoded.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedPayload) || errors.Is(err, ErrEmptyPayload)
}
