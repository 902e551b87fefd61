package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ChangeType enumerates row-level change kinds.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
	// ChangeAny matches every change type in a filter.
	ChangeAny ChangeType = "*"
)

var (
	ErrInvalidFilter = errors.New("realtime: invalid change filter")
)

// RowChange describes a committed write to a record table.
type RowChange struct {
	Type            ChangeType      `json:"type"`
	Table           string          `json:"table"`
	New             json.RawMessage `json:"new,omitempty"`
	Old             json.RawMessage `json:"old,omitempty"`
	CommitTimestamp time.Time       `json:"commit_timestamp"`
}

// NewRowChange marshals the new and old records into a RowChange. Nil records are omitted.
func NewRowChange(changeType ChangeType, table string, newRecord, oldRecord any, committedAt time.Time) (RowChange, error) {
	change := RowChange{
		Type:            changeType,
		Table:           table,
		CommitTimestamp: committedAt.UTC(),
	}
	if newRecord != nil {
		encoded, err := json.Marshal(newRecord)
		if err != nil {
			return RowChange{}, fmt.Errorf("realtime: encode new record: %w", err)
		}
		change.New = encoded
	}
	if oldRecord != nil {
		encoded, err := json.Marshal(oldRecord)
		if err != nil {
			return RowChange{}, fmt.Errorf("realtime: encode old record: %w", err)
		}
		change.Old = encoded
	}
	return change, nil
}

// Notifier receives committed row changes from the record stores.
type Notifier interface {
	NotifyChange(change RowChange)
}

// ChangeFilter selects row changes for a subscription. Column and Value are optional and
// express column=eq.value equality.
type ChangeFilter struct {
	Event  ChangeType
	Table  string
	Column string
	Value  string
}

// ParseFilter parses the textual "column=eq.value" form.
func ParseFilter(expression string) (column string, value string, err error) {
	trimmed := strings.TrimSpace(expression)
	column, rest, found := strings.Cut(trimmed, "=")
	if !found || strings.TrimSpace(column) == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidFilter, expression)
	}
	operator, value, found := strings.Cut(rest, ".")
	if !found || operator != "eq" {
		return "", "", fmt.Errorf("%w: only eq is supported in %q", ErrInvalidFilter, expression)
	}
	return strings.TrimSpace(column), value, nil
}

// Matches reports whether the change satisfies the filter.
func (f ChangeFilter) Matches(change RowChange) bool {
	if f.Table != "" && f.Table != change.Table {
		return false
	}
	if f.Event != "" && f.Event != ChangeAny && f.Event != change.Type {
		return false
	}
	if f.Column == "" {
		return true
	}
	record := change.New
	if change.Type == ChangeDelete {
		record = change.Old
	}
	return columnEquals(record, f.Column, f.Value)
}

func columnEquals(record json.RawMessage, column, expected string) bool {
	if len(record) == 0 {
		return false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(record, &fields); err != nil {
		return false
	}
	raw, ok := fields[column]
	if !ok {
		return false
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text == expected
	}
	return strings.TrimSpace(string(raw)) == expected
}
