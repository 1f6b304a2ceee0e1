package database

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

const migrationsTableName = "schema_migrations"

// migrate applies all pending schema migrations in order.
func (p *ProductDB) migrate() error {
	migrations := []struct {
		name string
		fn   func(*sql.DB) error
	}{
		{"001_core_schema", migrateCoreSchema},
		{"002_invoice_schema", migrateInvoiceSchema},
		{"003_price_ledger", migratePriceLedger},
		{"004_indexes", migrateIndexes},
	}

	for _, m := range migrations {
		if err := ensureMigrationApplied(p.conn, m.name, m.fn); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.name, err)
		}
	}

	return nil
}

// ensureMigrationTable creates the schema_migrations table if needed.
func ensureMigrationTable(db *sql.DB) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			name TEXT PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`, migrationsTableName)

	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to ensure schema_migrations table: %w", err)
	}
	return nil
}

// isMigrationApplied checks whether a named migration already ran.
func isMigrationApplied(db *sql.DB, name string) (bool, error) {
	if err := ensureMigrationTable(db); err != nil {
		return false, err
	}

	var appliedAt sql.NullTime
	query := fmt.Sprintf(`SELECT applied_at FROM %s WHERE name = ?`, migrationsTableName)
	err := db.QueryRow(query, name).Scan(&appliedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to check migration %s: %w", name, err)
	}

	return appliedAt.Valid, nil
}

// markMigrationApplied records a migration as applied.
func markMigrationApplied(db *sql.DB, name string) error {
	query := fmt.Sprintf(`INSERT OR REPLACE INTO %s(name, applied_at) VALUES(?, ?)`, migrationsTableName)
	if _, err := db.Exec(query, name, time.Now()); err != nil {
		return fmt.Errorf("failed to mark migration %s as applied: %w", name, err)
	}
	return nil
}

// ensureMigrationApplied runs a migration exactly once.
func ensureMigrationApplied(db *sql.DB, name string, migration func(*sql.DB) error) error {
	applied, err := isMigrationApplied(db, name)
	if err != nil {
		return err
	}
	if applied {
		return nil
	}

	if err := migration(db); err != nil {
		return err
	}

	if err := markMigrationApplied(db, name); err != nil {
		return err
	}

	slog.Info("migration applied", "name", name)
	return nil
}

// migrateCoreSchema creates the entity-resolution tables. The UNIQUE
// constraint on canonical_products.universal_code and on
// (establishment_id, local_code) are correctness invariants: concurrent
// creators race on them and the loser re-reads the winner's row.
func migrateCoreSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS canonical_products (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		universal_code TEXT UNIQUE,
		canonical_name TEXT NOT NULL,
		brand TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		report_count INTEGER NOT NULL DEFAULT 0,
		avg_price REAL NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS establishments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		normalized_name TEXT NOT NULL UNIQUE,
		chain TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS local_code_bindings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		canonical_product_id INTEGER NOT NULL REFERENCES canonical_products(id),
		establishment_id INTEGER NOT NULL REFERENCES establishments(id),
		local_code TEXT NOT NULL,
		code_type TEXT NOT NULL DEFAULT '',
		times_seen INTEGER NOT NULL DEFAULT 1,
		UNIQUE(establishment_id, local_code)
	);

	CREATE TABLE IF NOT EXISTS corrections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		normalized_name TEXT NOT NULL,
		establishment_id INTEGER NOT NULL DEFAULT 0,
		corrected_code TEXT NOT NULL DEFAULT '',
		corrected_name TEXT NOT NULL,
		times_applied INTEGER NOT NULL DEFAULT 0,
		UNIQUE(normalized_name, establishment_id)
	);
	`
	_, err := db.Exec(schema)
	return err
}

// migrateInvoiceSchema creates the invoice persistence tables.
// canonical_product_id stays nullable: rows exist before resolution only
// transiently, inside the invoice transaction.
func migrateInvoiceSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS invoices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_id TEXT NOT NULL UNIQUE,
		establishment_id INTEGER NOT NULL REFERENCES establishments(id),
		declared_total INTEGER NOT NULL DEFAULT 0,
		raw_line_count INTEGER NOT NULL DEFAULT 0,
		consolidated_line_count INTEGER NOT NULL DEFAULT 0,
		duplicates_merged INTEGER NOT NULL DEFAULT 0,
		price_diff_pct REAL NOT NULL DEFAULT 0,
		needs_review INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS invoice_lines (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		invoice_id INTEGER NOT NULL REFERENCES invoices(id),
		line_no INTEGER NOT NULL,
		raw_code TEXT NOT NULL DEFAULT '',
		raw_name TEXT NOT NULL,
		quantity REAL NOT NULL DEFAULT 0,
		unit_price INTEGER NOT NULL DEFAULT 0,
		canonical_product_id INTEGER REFERENCES canonical_products(id),
		resolution_method TEXT NOT NULL DEFAULT '',
		correction_applied INTEGER NOT NULL DEFAULT 0,
		consolidation_group TEXT NOT NULL DEFAULT '',
		UNIQUE(invoice_id, line_no)
	);
	`
	_, err := db.Exec(schema)
	return err
}

// migratePriceLedger creates the append-only observation log and the
// derived per-establishment rollup.
func migratePriceLedger(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS price_observations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		canonical_product_id INTEGER NOT NULL REFERENCES canonical_products(id),
		establishment_id INTEGER NOT NULL REFERENCES establishments(id),
		price INTEGER NOT NULL,
		observed_at TEXT NOT NULL,
		source_invoice_id TEXT NOT NULL,
		line_no INTEGER NOT NULL DEFAULT 0,
		UNIQUE(source_invoice_id, line_no)
	);

	CREATE TABLE IF NOT EXISTS price_rollups (
		canonical_product_id INTEGER NOT NULL REFERENCES canonical_products(id),
		establishment_id INTEGER NOT NULL REFERENCES establishments(id),
		min_price INTEGER NOT NULL,
		max_price INTEGER NOT NULL,
		avg_price REAL NOT NULL,
		sample_count INTEGER NOT NULL DEFAULT 0,
		last_seen TEXT NOT NULL,
		PRIMARY KEY (canonical_product_id, establishment_id)
	);
	`
	_, err := db.Exec(schema)
	return err
}

// migrateIndexes adds the lookup indexes the resolver depends on.
func migrateIndexes(db *sql.DB) error {
	schema := `
	CREATE INDEX IF NOT EXISTS idx_products_name ON canonical_products(canonical_name);
	CREATE INDEX IF NOT EXISTS idx_bindings_product ON local_code_bindings(canonical_product_id);
	CREATE INDEX IF NOT EXISTS idx_observations_product ON price_observations(canonical_product_id, establishment_id);
	CREATE INDEX IF NOT EXISTS idx_corrections_name ON corrections(normalized_name);
	CREATE INDEX IF NOT EXISTS idx_invoice_lines_invoice ON invoice_lines(invoice_id);
	`
	_, err := db.Exec(schema)
	return err
}
