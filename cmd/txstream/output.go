package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/BuddyLim/smartfi/pkg/bucket"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printEntries writes a render list as a date-grouped table.
func printEntries(w io.Writer, entries []bucket.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		switch e.Type {
		case bucket.TypeHeader:
			fmt.Fprintf(tw, "%s\t\t%s\n", e.Header.Date, e.Header.Total.StringFixed(2))
		case bucket.TypeItem:
			rec := e.Item.Record
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", rec.Name, rec.CategoryName, rec.SignedAmount().StringFixed(2))
			if e.Item.LastItem {
				fmt.Fprintln(tw, "\t\t")
			}
		}
	}
	return tw.Flush()
}
