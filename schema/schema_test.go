package schema

import (
	"strconv"
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		schema  *Schema
		wantErr string
	}{
		{
			name:   "valid",
			schema: New(&Table{Name: "lists", Columns: []Column{Text("name")}}),
		},
		{
			name: "duplicate table",
			schema: New(
				&Table{Name: "lists", Columns: []Column{Text("name")}},
				&Table{Name: "lists", Columns: []Column{Text("other")}},
			),
			wantErr: "duplicate table",
		},
		{
			name: "duplicate view",
			schema: New(
				&Table{Name: "a", Columns: []Column{Text("x")}, ViewName: "shared"},
				&Table{Name: "b", Columns: []Column{Text("x")}, ViewName: "shared"},
			),
			wantErr: "duplicate view",
		},
		{
			name:    "declared id column",
			schema:  New(&Table{Name: "lists", Columns: []Column{Text("id")}}),
			wantErr: "implicit",
		},
		{
			name:    "duplicate column",
			schema:  New(&Table{Name: "lists", Columns: []Column{Text("name"), Integer("name")}}),
			wantErr: "duplicate column",
		},
		{
			name:    "no columns",
			schema:  New(&Table{Name: "lists"}),
			wantErr: "no columns",
		},
		{
			name:    "invalid table name",
			schema:  New(&Table{Name: "bad name", Columns: []Column{Text("x")}}),
			wantErr: "invalid table name",
		},
		{
			name:    "quoted column name",
			schema:  New(&Table{Name: "lists", Columns: []Column{Text(`x"y`)}}),
			wantErr: "invalid column name",
		},
		{
			name:    "reserved prefix",
			schema:  New(&Table{Name: "ps_things", Columns: []Column{Text("x")}}),
			wantErr: "reserved prefix",
		},
		{
			name:    "local and insert only",
			schema:  New(&Table{Name: "lists", Columns: []Column{Text("x")}, LocalOnly: true, InsertOnly: true}),
			wantErr: "local-only and insert-only",
		},
		{
			name:    "local with metadata",
			schema:  New(&Table{Name: "lists", Columns: []Column{Text("x")}, LocalOnly: true, TrackMetadata: true}),
			wantErr: "cannot track metadata",
		},
		{
			name: "local with previous values",
			schema: New(&Table{
				Name: "lists", Columns: []Column{Text("x")},
				LocalOnly: true, TrackPrevious: &TrackPrevious{},
			}),
			wantErr: "previous values",
		},
		{
			name: "previous values of unknown column",
			schema: New(&Table{
				Name: "lists", Columns: []Column{Text("x")},
				TrackPrevious: &TrackPrevious{Columns: []string{"missing"}},
			}),
			wantErr: "unknown column",
		},
		{
			name: "index on unknown column",
			schema: New(&Table{
				Name: "lists", Columns: []Column{Text("x")},
				Indexes: []Index{{Name: "by_y", Columns: []IndexedColumn{Ascending("y")}}},
			}),
			wantErr: "unknown column",
		},
		{
			name: "empty index",
			schema: New(&Table{
				Name: "lists", Columns: []Column{Text("x")},
				Indexes: []Index{{Name: "by_nothing"}},
			}),
			wantErr: "no columns",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.schema.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate failed: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestTooManyColumns(t *testing.T) {
	cols := make([]Column, maxColumns+1)
	for i := range cols {
		cols[i] = Text("c" + strconv.Itoa(i))
	}
	err := New(&Table{Name: "wide", Columns: cols}).Validate()
	if err == nil || !strings.Contains(err.Error(), "columns") {
		t.Fatalf("Validate = %v, want column-count error", err)
	}
}

func TestNames(t *testing.T) {
	plain := &Table{Name: "lists", Columns: []Column{Text("name")}}
	if got := plain.View(); got != "lists" {
		t.Fatalf("View = %q, want lists", got)
	}
	if got := plain.StoreName(); got != "ps_data__lists" {
		t.Fatalf("StoreName = %q, want ps_data__lists", got)
	}
	local := &Table{Name: "drafts", Columns: []Column{Text("body")}, LocalOnly: true, ViewName: "scratch"}
	if got := local.View(); got != "scratch" {
		t.Fatalf("View = %q, want scratch", got)
	}
	if got := local.StoreName(); got != "ps_data_local__drafts" {
		t.Fatalf("StoreName = %q, want ps_data_local__drafts", got)
	}
}
