package realtime

import (
	"errors"
	"testing"
	"time"
)

func TestParseFilter(t *testing.T) {
	column, value, err := ParseFilter("node_id=eq.2")
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if column != "node_id" || value != "2" {
		t.Fatalf("unexpected filter %s=%s", column, value)
	}

	for _, invalid := range []string{"", "node_id", "=eq.2", "node_id=gt.2", "node_id=2"} {
		if _, _, err := ParseFilter(invalid); !errors.Is(err, ErrInvalidFilter) {
			t.Fatalf("expected ErrInvalidFilter for %q, got %v", invalid, err)
		}
	}
}

func TestChangeFilterMatches(t *testing.T) {
	type record struct {
		ID       string `json:"id"`
		NodeID   string `json:"node_id"`
		IsActive bool   `json:"is_active"`
	}
	update, err := NewRowChange(ChangeUpdate, "raid_sessions", record{ID: "r1", NodeID: "2"}, nil, time.Now())
	if err != nil {
		t.Fatalf("failed to build change: %v", err)
	}

	tests := []struct {
		name   string
		filter ChangeFilter
		want   bool
	}{
		{name: "table-only", filter: ChangeFilter{Table: "raid_sessions"}, want: true},
		{name: "other-table", filter: ChangeFilter{Table: "node_presence"}, want: false},
		{name: "event-match", filter: ChangeFilter{Event: ChangeUpdate, Table: "raid_sessions"}, want: true},
		{name: "event-mismatch", filter: ChangeFilter{Event: ChangeInsert, Table: "raid_sessions"}, want: false},
		{name: "wildcard", filter: ChangeFilter{Event: ChangeAny, Table: "raid_sessions"}, want: true},
		{name: "column-match", filter: ChangeFilter{Table: "raid_sessions", Column: "id", Value: "r1"}, want: true},
		{name: "column-mismatch", filter: ChangeFilter{Table: "raid_sessions", Column: "id", Value: "r2"}, want: false},
		{name: "bool-column", filter: ChangeFilter{Table: "raid_sessions", Column: "is_active", Value: "false"}, want: true},
		{name: "missing-column", filter: ChangeFilter{Table: "raid_sessions", Column: "user_id", Value: "u"}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(update); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestChangeFilterUsesOldRecordForDeletes(t *testing.T) {
	deletion, err := NewRowChange(ChangeDelete, "node_presence", nil, map[string]string{"node_id": "4"}, time.Now())
	if err != nil {
		t.Fatalf("failed to build change: %v", err)
	}
	filter := ChangeFilter{Event: ChangeAny, Table: "node_presence", Column: "node_id", Value: "4"}
	if !filter.Matches(deletion) {
		t.Fatalf("expected delete to match on old record")
	}
}
