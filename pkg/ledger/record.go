// Package ledger defines the transaction record delivered by the stream and
// the helpers that derive values from it.
package ledger

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EntryKind tells whether a record moves money in or out of an account.
type EntryKind string

const (
	// Income is encoded as "credit" on the wire.
	Income EntryKind = "credit"
	// Expense is encoded as "debit" on the wire.
	Expense EntryKind = "debit"
	// Unknown is sent by the backend when it could not classify the entry.
	Unknown EntryKind = "unknown"
)

// UnmarshalJSON accepts the wire names and their income/expense aliases.
func (k *EntryKind) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*k = ParseEntryKind(s)
	return nil
}

// ParseEntryKind maps a wire or display name to an EntryKind.
func ParseEntryKind(s string) EntryKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "credit", "income":
		return Income
	case "debit", "expense":
		return Expense
	default:
		return Unknown
	}
}

// CategoryRef identifies a category.
type CategoryRef struct {
	ID   int64  `json:"category_id"`
	Name string `json:"category_name"`
}

// AccountRef identifies an account.
type AccountRef struct {
	ID   int64  `json:"account_id"`
	Name string `json:"account_name"`
}

// Record is one transaction. Amount is always a non-negative magnitude; the
// sign comes from Kind.
type Record struct {
	ID                  int64           `json:"id"`
	Name                string          `json:"name"`
	Amount              decimal.Decimal `json:"amount"`
	Date                string          `json:"date"`
	CategoryID          int64           `json:"category_id"`
	CategoryName        string          `json:"category_name"`
	AccountID           int64           `json:"account_id"`
	AccountName         string          `json:"account_name"`
	UserID              int64           `json:"user_id"`
	Kind                EntryKind       `json:"entry_type"`
	Currency            string          `json:"currency,omitempty"`
	RunningBalance      decimal.Decimal `json:"running_balance"`
	SuggestedCategories []CategoryRef   `json:"suggested_categories,omitempty"`
}

// UnresolvedCategory is the category name the backend uses when it could
// not pick one.
const UnresolvedCategory = "Unknown"

func (r Record) Category() CategoryRef {
	return CategoryRef{ID: r.CategoryID, Name: r.CategoryName}
}

func (r Record) Account() AccountRef {
	return AccountRef{ID: r.AccountID, Name: r.AccountName}
}

// Unresolved reports whether the record still waits for a category choice.
func (r Record) Unresolved() bool {
	return r.CategoryName == "" || r.CategoryName == UnresolvedCategory
}

// SignedAmount returns the amount with the sign implied by the entry kind.
func (r Record) SignedAmount() decimal.Decimal {
	if r.Kind == Income {
		return r.Amount.Abs()
	}
	return r.Amount.Abs().Neg()
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
}

// DateKey returns the UTC calendar date of the record as YYYY-MM-DD. It
// returns false when Date holds no usable date.
func (r Record) DateKey() (string, bool) {
	s := strings.TrimSpace(r.Date)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format(time.DateOnly), true
		}
	}
	if len(s) >= len(time.DateOnly) {
		if t, err := time.Parse(time.DateOnly, s[:len(time.DateOnly)]); err == nil {
			return t.Format(time.DateOnly), true
		}
	}
	return "", false
}
