package schema

import (
	"fmt"
	"strings"
)

const (
	// CrudTable is the outbox table populated by the generated capture
	// triggers. One row per captured mutation, grouped by tx_id.
	CrudTable = "ps_crud"

	// TxTable holds the single-row transaction counter stamped onto
	// captured entries. The counter advances when a writer lease that
	// captured entries is released.
	TxTable = "ps_tx"

	// UpdatedTable collects the logical names of tables touched since the
	// last writer-lease release. Mark triggers insert into it, the pool
	// drains it.
	UpdatedTable = "ps_updated"
)

// Statements validates the schema and compiles the full DDL batch: data
// tables, views, capture triggers, mark triggers, and indexes, in dependency
// order. Views and triggers are dropped and recreated so flag or column
// changes take effect on reopen; data tables and indexes are preserved.
func (s *Schema) Statements() ([]string, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	var out []string
	for _, t := range s.Tables {
		out = append(out, dataTableDDL(t))
		out = append(out, viewDDL(t)...)
		out = append(out, captureTriggersDDL(t)...)
		out = append(out, markTriggersDDL(t)...)
		out = append(out, indexDDL(t)...)
	}
	return out, nil
}

func dataTableDDL(t *Table) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id   TEXT PRIMARY KEY NOT NULL,
    data TEXT
);`, quoteIdent(t.StoreName()))
}

func viewDDL(t *Table) []string {
	names := []string{"id"}
	selects := []string{quoteIdent("id")}
	for _, c := range t.Columns {
		names = append(names, c.Name)
		selects = append(selects, fmt.Sprintf("CAST(json_extract(data, %s) AS %s)", quoteLiteral("$."+c.Name), c.Type))
	}
	if t.TrackMetadata {
		// Write-only passthrough; reads always yield NULL.
		names = append(names, "_metadata")
		selects = append(selects, "NULL")
	}
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteIdent(n)
	}
	view := quoteIdent(t.View())
	return []string{
		fmt.Sprintf("DROP VIEW IF EXISTS %s;", view),
		fmt.Sprintf("CREATE VIEW %s(%s) AS SELECT %s FROM %s;",
			view, strings.Join(quoted, ", "), strings.Join(selects, ", "), quoteIdent(t.StoreName())),
	}
}

// captureTriggersDDL compiles the INSTEAD OF triggers that write the data
// table and, for synchronized tables, append outbox entries. Local-only
// tables get plain passthrough triggers; insert-only tables get no update or
// delete trigger at all, so those statements fail on the view.
func captureTriggersDDL(t *Table) []string {
	if t.LocalOnly {
		return localTriggersDDL(t)
	}
	view := quoteIdent(t.View())
	store := quoteIdent(t.StoreName())
	newData := rowObject(t, "NEW")
	oldData := rowObject(t, "OLD")

	out := []string{
		dropTrigger(insertTrigger(t)),
		fmt.Sprintf(`CREATE TRIGGER %s
INSTEAD OF INSERT ON %s
FOR EACH ROW
BEGIN
    INSERT INTO %s (id, data)
    VALUES (COALESCE(NEW.id, sync_uuid()), %s);
    INSERT INTO %s (tx_id, data)
    SELECT (SELECT next_tx FROM %s),
           json_object('op', 'PUT', 'type', %s, 'id', r.id, 'data', json(r.data)%s)
    FROM %s r
    WHERE r.rowid = last_insert_rowid();
END;`,
			quoteIdent(insertTrigger(t)), view, store, newData,
			CrudTable, TxTable, quoteLiteral(t.Name), metadataArg(t), store),
	}
	if t.InsertOnly {
		return out
	}

	var guard string
	if t.IgnoreEmptyUpdates {
		guard = fmt.Sprintf("\nWHEN %s IS NOT %s", newData, oldData)
	}
	out = append(out,
		dropTrigger(updateTrigger(t)),
		fmt.Sprintf(`CREATE TRIGGER %s
INSTEAD OF UPDATE ON %s
FOR EACH ROW%s
BEGIN
    SELECT CASE WHEN NEW.id IS NOT OLD.id THEN RAISE(ABORT, 'Cannot update id') END;
    UPDATE %s SET data = %s WHERE id = OLD.id;
    INSERT INTO %s (tx_id, data)
    VALUES ((SELECT next_tx FROM %s),
            json_object('op', 'PATCH', 'type', %s, 'id', OLD.id, 'data', json(%s)%s%s));
END;`,
			quoteIdent(updateTrigger(t)), view, guard,
			store, newData,
			CrudTable, TxTable, quoteLiteral(t.Name), diffObject(newData, oldData), metadataArg(t), previousArg(t)),
		dropTrigger(deleteTrigger(t)),
		fmt.Sprintf(`CREATE TRIGGER %s
INSTEAD OF DELETE ON %s
FOR EACH ROW
BEGIN
    DELETE FROM %s WHERE id = OLD.id;
    INSERT INTO %s (tx_id, data)
    VALUES ((SELECT next_tx FROM %s),
            json_object('op', 'DELETE', 'type', %s, 'id', OLD.id));
END;`,
			quoteIdent(deleteTrigger(t)), view,
			store, CrudTable, TxTable, quoteLiteral(t.Name)),
	)
	return out
}

func localTriggersDDL(t *Table) []string {
	view := quoteIdent(t.View())
	store := quoteIdent(t.StoreName())
	newData := rowObject(t, "NEW")
	return []string{
		dropTrigger(insertTrigger(t)),
		fmt.Sprintf(`CREATE TRIGGER %s
INSTEAD OF INSERT ON %s
FOR EACH ROW
BEGIN
    INSERT INTO %s (id, data) VALUES (COALESCE(NEW.id, sync_uuid()), %s);
END;`, quoteIdent(insertTrigger(t)), view, store, newData),
		dropTrigger(updateTrigger(t)),
		fmt.Sprintf(`CREATE TRIGGER %s
INSTEAD OF UPDATE ON %s
FOR EACH ROW
BEGIN
    SELECT CASE WHEN NEW.id IS NOT OLD.id THEN RAISE(ABORT, 'Cannot update id') END;
    UPDATE %s SET data = %s WHERE id = OLD.id;
END;`, quoteIdent(updateTrigger(t)), view, store, newData),
		dropTrigger(deleteTrigger(t)),
		fmt.Sprintf(`CREATE TRIGGER %s
INSTEAD OF DELETE ON %s
FOR EACH ROW
BEGIN
    DELETE FROM %s WHERE id = OLD.id;
END;`, quoteIdent(deleteTrigger(t)), view, store),
	}
}

// markTriggersDDL compiles the AFTER triggers on the data table that record
// the logical table name in ps_updated. They fire for view writes and for
// rows applied directly from downloads, so watchers observe both.
func markTriggersDDL(t *Table) []string {
	store := t.StoreName()
	var out []string
	for _, suffix := range []string{"_ai", "_au", "_ad"} {
		var event string
		switch suffix {
		case "_ai":
			event = "INSERT"
		case "_au":
			event = "UPDATE"
		case "_ad":
			event = "DELETE"
		}
		out = append(out,
			dropTrigger(store+suffix),
			fmt.Sprintf(`CREATE TRIGGER %s
AFTER %s ON %s
BEGIN
    INSERT OR IGNORE INTO %s (name) VALUES (%s);
END;`, quoteIdent(store+suffix), event, quoteIdent(store), UpdatedTable, quoteLiteral(t.Name)))
	}
	return out
}

func indexDDL(t *Table) []string {
	var out []string
	for _, idx := range t.Indexes {
		cols := make([]string, len(idx.Columns))
		for i, ic := range idx.Columns {
			colType := TypeText
			for _, c := range t.Columns {
				if c.Name == ic.Name {
					colType = c.Type
				}
			}
			expr := fmt.Sprintf("CAST(json_extract(data, %s) AS %s)", quoteLiteral("$."+ic.Name), colType)
			if ic.Descending {
				expr += " DESC"
			}
			cols[i] = expr
		}
		out = append(out, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s);",
			quoteIdent(fmt.Sprintf("ps_idx__%s__%s", t.Name, idx.Name)), quoteIdent(t.StoreName()), strings.Join(cols, ", ")))
	}
	return out
}

// rowObject renders a json_object over every declared column of the given
// trigger row alias.
func rowObject(t *Table, alias string) string {
	args := make([]string, 0, len(t.Columns)*2)
	for _, c := range t.Columns {
		args = append(args, quoteLiteral(c.Name), alias+"."+quoteIdent(c.Name))
	}
	return "json_object(" + strings.Join(args, ", ") + ")"
}

// diffObject renders an expression yielding the JSON object of columns whose
// value differs between the new and old row objects. Empty diffs collapse to
// an empty object.
func diffObject(newObj, oldObj string) string {
	return fmt.Sprintf(`COALESCE(
                (SELECT json_group_object(e.key, e.value)
                 FROM json_each(%s) e
                 WHERE e.value IS NOT json_extract(%s, '$.' || e.key)),
                json_object())`, newObj, oldObj)
}

func metadataArg(t *Table) string {
	if !t.TrackMetadata {
		return ""
	}
	return ", 'metadata', NEW." + quoteIdent("_metadata")
}

// previousArg renders the optional 'old' payload of update entries, honoring
// the column filter and the only-when-changed restriction.
func previousArg(t *Table) string {
	if t.TrackPrevious == nil {
		return ""
	}
	tracked := t.Columns
	if len(t.TrackPrevious.Columns) > 0 {
		tracked = nil
		for _, c := range t.Columns {
			for _, name := range t.TrackPrevious.Columns {
				if c.Name == name {
					tracked = append(tracked, c)
				}
			}
		}
	}
	filtered := &Table{Columns: tracked}
	oldObj := rowObject(filtered, "OLD")
	if !t.TrackPrevious.OnlyWhenChanged {
		return ", 'old', json(" + oldObj + ")"
	}
	expr := fmt.Sprintf(`COALESCE(
                (SELECT json_group_object(e.key, e.value)
                 FROM json_each(%s) e
                 WHERE e.value IS NOT json_extract(%s, '$.' || e.key)),
                json_object())`, oldObj, rowObject(t, "NEW"))
	return ", 'old', json(" + expr + ")"
}

func insertTrigger(t *Table) string { return "ps_put_" + t.View() }
func updateTrigger(t *Table) string { return "ps_patch_" + t.View() }
func deleteTrigger(t *Table) string { return "ps_delete_" + t.View() }

func dropTrigger(name string) string {
	return fmt.Sprintf("DROP TRIGGER IF EXISTS %s;", quoteIdent(name))
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}
