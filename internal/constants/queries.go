package constants

import "fmt"

// Prepared statement names
const (
	StmtGetEntry      = "cashier_get_entry"
	StmtUpsertEntry   = "cashier_upsert_entry"
	StmtDeleteEntry   = "cashier_delete_entry"
	StmtClearEntries  = "cashier_clear_entries"
	StmtDeleteExpired = "cashier_delete_expired"
)

// DefaultTable is the table name used when none is configured.
const DefaultTable = "cache_entries"

// Queries returns the statements for a cache table with columns
// (key TEXT PRIMARY KEY, value TEXT NOT NULL, expires_at_ms BIGINT NULL).
// The table name must already be validated as an identifier.
func Queries(table string) map[string]string {
	return map[string]string{
		StmtGetEntry: fmt.Sprintf(`
		SELECT value
		FROM %s
		WHERE key = $1 AND (expires_at_ms IS NULL OR expires_at_ms > $2)`, table),

		StmtUpsertEntry: fmt.Sprintf(`
		INSERT INTO %s (key, value, expires_at_ms)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at_ms = EXCLUDED.expires_at_ms`, table),

		StmtDeleteEntry: fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, table),

		StmtClearEntries: fmt.Sprintf(`DELETE FROM %s`, table),

		StmtDeleteExpired: fmt.Sprintf(`
		DELETE FROM %s
		WHERE expires_at_ms IS NOT NULL AND expires_at_ms <= $1`, table),
	}
}
