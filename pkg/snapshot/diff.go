package snapshot

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TableDiff summarizes row-level differences for one table.
type TableDiff struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
	Changed int `json:"changed"`
}

// DiffSummary compares two envelopes table by table.
type DiffSummary struct {
	Tables map[string]TableDiff `json:"tables"`
	Equal  bool                 `json:"equal"`
}

// Diff compares envelope b against baseline a. Rows are keyed by their
// table's primary key columns; everything else participates in the
// changed check.
func Diff(a, b *Envelope) *DiffSummary {
	out := &DiffSummary{Tables: map[string]TableDiff{}, Equal: true}

	names := map[string]bool{}
	for name := range a.Tables {
		names[name] = true
	}
	for name := range b.Tables {
		names[name] = true
	}

	for name := range names {
		keys := keyColumns[name]
		if keys == nil {
			keys = []string{"id"}
		}
		aRows := indexRows(a.Tables[name], keys)
		bRows := indexRows(b.Tables[name], keys)

		var d TableDiff
		for key, aRow := range aRows {
			bRow, ok := bRows[key]
			if !ok {
				d.Removed++
				continue
			}
			if !rowsEqual(aRow, bRow) {
				d.Changed++
			}
		}
		for key := range bRows {
			if _, ok := aRows[key]; !ok {
				d.Added++
			}
		}
		if d.Added+d.Removed+d.Changed > 0 {
			out.Equal = false
		}
		out.Tables[name] = d
	}
	return out
}

func indexRows(rows []map[string]any, keys []string) map[string]map[string]any {
	out := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprint(row[k])
		}
		out[strings.Join(parts, "\x00")] = row
	}
	return out
}

func rowsEqual(a, b map[string]any) bool {
	aj, _ := json.Marshal(normalize(a))
	bj, _ := json.Marshal(normalize(b))
	return string(aj) == string(bj)
}

// normalize renders every value with fmt.Sprint, so an int64 from the
// database compares equal to the json.Number of an envelope decoded with
// UseNumber. A float64 of 1e6 or more renders in exponent form and does
// not compare equal to the same int64.
func normalize(row map[string]any) map[string]string {
	out := make(map[string]string, len(row))
	for k, v := range row {
		out[k] = fmt.Sprint(v)
	}
	return out
}
