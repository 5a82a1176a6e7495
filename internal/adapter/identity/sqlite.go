package identity

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"portico/internal/domain"
)

// backendIDLen is the length of the public backend identifier.
const backendIDLen = 8

// backendIDAlphabet is the character set for minted backend IDs. Lowercase
// alphanumerics keep the ID easy to read aloud and safe in URLs.
const backendIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// mintAttempts bounds ID regeneration when a freshly minted ID collides
// with an existing one. 36^8 IDs make more than a couple of retries
// effectively unreachable.
const mintAttempts = 5

// SQLiteStore implements domain.IdentityStore using SQLite. The
// deviceId→backendId mapping is the only durable state in the gateway; it
// must survive both backend and gateway restarts.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs
// the schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open identity db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate identity db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS device_mappings (
			device_id    TEXT PRIMARY KEY,
			backend_id   TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Resolve returns the stable backendId for deviceId. Unknown devices get a
// freshly minted ID persisted in the same statement that enforces
// uniqueness; known devices are a read-only lookup. The mapping is
// immutable — a device keeps its backendId for life.
func (s *SQLiteStore) Resolve(ctx context.Context, deviceID, displayName string) (string, error) {
	if deviceID == "" {
		return "", domain.NewDomainError("SQLiteStore.Resolve", domain.ErrIdentityStore, "empty device id")
	}

	existing, err := s.Lookup(ctx, deviceID)
	if err == nil {
		if displayName != "" && displayName != existing.DisplayName {
			s.touchDisplayName(ctx, deviceID, displayName)
		}
		return existing.BackendID, nil
	}
	if !isNotFound(err) {
		return "", err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for attempt := 0; attempt < mintAttempts; attempt++ {
		backendID, err := mintBackendID()
		if err != nil {
			return "", domain.NewDomainError("SQLiteStore.Resolve", domain.ErrIdentityStore, err.Error())
		}

		_, err = s.db.ExecContext(ctx,
			"INSERT INTO device_mappings (device_id, backend_id, display_name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
			deviceID, backendID, displayName, now, now,
		)
		if err == nil {
			return backendID, nil
		}
		if isUniqueViolation(err, "backend_id") {
			continue // minted ID already taken, roll again
		}
		if isUniqueViolation(err, "device_id") {
			// Concurrent registration of the same device won the race;
			// its mapping is authoritative.
			won, lerr := s.Lookup(ctx, deviceID)
			if lerr != nil {
				return "", lerr
			}
			return won.BackendID, nil
		}
		return "", domain.NewDomainError("SQLiteStore.Resolve", domain.ErrIdentityStore, err.Error())
	}

	return "", domain.NewDomainError("SQLiteStore.Resolve", domain.ErrIdentityExhausted, deviceID)
}

// Lookup returns the stored mapping without creating one.
func (s *SQLiteStore) Lookup(ctx context.Context, deviceID string) (*domain.DeviceMapping, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT device_id, backend_id, display_name, created_at, updated_at FROM device_mappings WHERE device_id = ?",
		deviceID,
	)

	var m domain.DeviceMapping
	var createdStr, updatedStr string
	if err := row.Scan(&m.DeviceID, &m.BackendID, &m.DisplayName, &createdStr, &updatedStr); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.NewDomainError("SQLiteStore.Lookup", domain.ErrBackendNotFound, deviceID)
		}
		return nil, domain.NewDomainError("SQLiteStore.Lookup", domain.ErrIdentityStore, err.Error())
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &m, nil
}

// touchDisplayName refreshes the stored display name. Best effort: the
// backendId mapping is what matters, a stale name is harmless.
func (s *SQLiteStore) touchDisplayName(ctx context.Context, deviceID, displayName string) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, _ = s.db.ExecContext(ctx,
		"UPDATE device_mappings SET display_name = ?, updated_at = ? WHERE device_id = ?",
		displayName, now, deviceID,
	)
}

func mintBackendID() (string, error) {
	buf := make([]byte, backendIDLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = backendIDAlphabet[int(b)%len(backendIDAlphabet)]
	}
	return string(buf), nil
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrBackendNotFound)
}

func isUniqueViolation(err error, column string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") &&
		strings.Contains(msg, "device_mappings."+column)
}
