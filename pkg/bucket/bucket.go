// Package bucket groups transaction records by calendar date for display.
package bucket

import (
	"github.com/shopspring/decimal"

	"github.com/BuddyLim/smartfi/pkg/ledger"
)

// EntryType tags a render entry.
type EntryType string

const (
	TypeHeader EntryType = "header"
	TypeItem   EntryType = "item"
)

// Header opens the entries of one date.
type Header struct {
	Date  string          `json:"date"`
	Total decimal.Decimal `json:"totalAmountSpent"`
}

// Item is one record under a header.
type Item struct {
	Record   ledger.Record `json:"transaction"`
	LastItem bool          `json:"lastItem"`
}

// Entry is either a Header or an Item.
type Entry struct {
	Type   EntryType `json:"type"`
	Header *Header   `json:"header,omitempty"`
	Item   *Item     `json:"item,omitempty"`
}

// Stats describes one grouping run.
type Stats struct {
	Records int `json:"records"`
	Buckets int `json:"buckets"`
	// Skipped counts records without a usable date.
	Skipped int `json:"skipped"`
}

type accumulator struct {
	total decimal.Decimal
	items []ledger.Record
}

// Group returns one header per date followed by that date's records. Dates
// appear in order of first appearance and records keep their input order
// within a date.
func Group(records []ledger.Record) []Entry {
	entries, _ := GroupWithStats(records)
	return entries
}

// GroupWithStats is Group plus counters. Records whose date cannot be
// parsed are left out.
func GroupWithStats(records []ledger.Record) ([]Entry, Stats) {
	stats := Stats{Records: len(records)}
	buckets := make(map[string]*accumulator)
	var order []string

	for _, rec := range records {
		key, ok := rec.DateKey()
		if !ok {
			stats.Skipped++
			continue
		}
		acc, seen := buckets[key]
		if !seen {
			acc = &accumulator{}
			buckets[key] = acc
			order = append(order, key)
		}
		acc.total = acc.total.Add(rec.SignedAmount())
		acc.items = append(acc.items, rec)
	}

	entries := make([]Entry, 0, len(order)+len(records)-stats.Skipped)
	for _, key := range order {
		acc := buckets[key]
		entries = append(entries, Entry{
			Type:   TypeHeader,
			Header: &Header{Date: key, Total: acc.total},
		})
		for i, rec := range acc.items {
			entries = append(entries, Entry{
				Type: TypeItem,
				Item: &Item{Record: rec, LastItem: i == len(acc.items)-1},
			})
		}
	}
	stats.Buckets = len(order)

	return entries, stats
}

// Headers returns only the header entries of a render list.
func Headers(entries []Entry) []Header {
	var headers []Header
	for _, e := range entries {
		if e.Type == TypeHeader && e.Header != nil {
			headers = append(headers, *e.Header)
		}
	}
	return headers
}
