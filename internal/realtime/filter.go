package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
)

// matchesFilter evaluates a "column=eq.value" filter against a change
// event. Deletes are matched against the old row since they carry no new
// row. An empty filter matches everything; a malformed filter matches
// nothing.
func matchesFilter(filter string, ev ChangeEvent) bool {
	if filter == "" {
		return true
	}

	column, want, ok := parseFilter(filter)
	if !ok {
		return false
	}

	row := ev.New
	if ev.Type == ChangeDelete {
		row = ev.Old
	}
	if len(row) == 0 {
		return false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(row, &fields); err != nil {
		return false
	}
	raw, ok := fields[column]
	if !ok {
		return false
	}

	return rawEqualsString(raw, want)
}

func parseFilter(filter string) (column, value string, ok bool) {
	eq := strings.Index(filter, "=eq.")
	if eq <= 0 {
		return "", "", false
	}
	return filter[:eq], filter[eq+len("=eq."):], true
}

// rawEqualsString compares a JSON value against a filter literal,
// tolerating both quoted strings and bare scalars.
func rawEqualsString(raw json.RawMessage, want string) bool {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s == want
	}
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return fmt.Sprintf("%v", v) == want
	}
	return false
}
