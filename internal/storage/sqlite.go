package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite inventory database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "shelf.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies embedded SQL migrations that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Inventory ---

const inventoryColumns = `id, name, description, quantity, price_cents, tags, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInventoryItem(row rowScanner) (InventoryItem, error) {
	var it InventoryItem
	var tags, updatedAt string
	if err := row.Scan(&it.ID, &it.Name, &it.Description, &it.Quantity, &it.PriceCents, &tags, &updatedAt); err != nil {
		return InventoryItem{}, err
	}
	if err := json.Unmarshal([]byte(tags), &it.Tags); err != nil {
		return InventoryItem{}, fmt.Errorf("parsing tags for %s: %w", it.ID, err)
	}
	t, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return InventoryItem{}, fmt.Errorf("parsing updated_at for %s: %w", it.ID, err)
	}
	it.UpdatedAt = t
	return it, nil
}

// SaveInventoryItem inserts or replaces an item. A zero UpdatedAt is set to now.
func (s *Store) SaveInventoryItem(it InventoryItem) error {
	if it.ID == "" {
		return fmt.Errorf("inventory item id is required")
	}
	if it.UpdatedAt.IsZero() {
		it.UpdatedAt = time.Now()
	}
	tags := "[]"
	if len(it.Tags) > 0 {
		b, err := json.Marshal(it.Tags)
		if err != nil {
			return fmt.Errorf("marshalling tags: %w", err)
		}
		tags = string(b)
	}
	_, err := s.db.Exec(`
		INSERT INTO inventory (`+inventoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			quantity = excluded.quantity,
			price_cents = excluded.price_cents,
			tags = excluded.tags,
			updated_at = excluded.updated_at`,
		it.ID, it.Name, it.Description, it.Quantity, it.PriceCents, tags,
		it.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// GetInventoryItem returns the item with id or ErrNotFound.
func (s *Store) GetInventoryItem(id string) (InventoryItem, error) {
	return s.LoadInventoryItem(context.Background(), id)
}

// LoadInventoryItem is GetInventoryItem bounded by ctx. The row cache worker
// calls it as its data source.
func (s *Store) LoadInventoryItem(ctx context.Context, id string) (InventoryItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+inventoryColumns+` FROM inventory WHERE id = ?`, id)
	it, err := scanInventoryItem(row)
	if err == sql.ErrNoRows {
		return InventoryItem{}, ErrNotFound
	}
	if err != nil {
		return InventoryItem{}, err
	}
	return it, nil
}

// ListInventoryItems returns up to limit items, most recently updated first.
func (s *Store) ListInventoryItems(limit int) ([]InventoryItem, error) {
	rows, err := s.db.Query(`SELECT `+inventoryColumns+` FROM inventory ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []InventoryItem
	for rows.Next() {
		it, err := scanInventoryItem(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, it)
	}
	return results, rows.Err()
}

// DeleteInventoryItem removes the item with id or returns ErrNotFound.
func (s *Store) DeleteInventoryItem(id string) error {
	res, err := s.db.Exec(`DELETE FROM inventory WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
