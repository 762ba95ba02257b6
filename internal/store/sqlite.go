package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pbaille/toxfilter/internal/domain"
)

//go:embed schema.sql
var schema string

// Keys of the settings store
const (
	KeyEnabled        = "enabled"
	KeyAPIEndpoint    = "apiEndpoint"
	KeyCache          = "toxicityCache"
	KeyCacheTimestamp = "cacheTimestamp"
)

// DefaultAPIEndpoint is seeded on first use
const DefaultAPIEndpoint = "https://ozymozy-toxi.hf.space/censor-post"

// Store is the persistent key/value settings store. Values are JSON and are
// always replaced whole.
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Initialize schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureDefaults seeds the settings keys that are not yet present
func (s *Store) EnsureDefaults(ctx context.Context) error {
	defaults := map[string]any{
		KeyEnabled:     true,
		KeyAPIEndpoint: DefaultAPIEndpoint,
	}
	for key, value := range defaults {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", key, err)
		}
		_, err = s.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO kv (key, value, updated_at) VALUES (?, ?, ?)",
			key, string(raw), time.Now(),
		)
		if err != nil {
			return fmt.Errorf("seed %s: %w", key, err)
		}
	}
	return nil
}

// LoadSettings reads the live settings. Missing keys fall back to defaults.
func (s *Store) LoadSettings(ctx context.Context) (domain.Settings, error) {
	settings := domain.Settings{Enabled: true, APIEndpoint: DefaultAPIEndpoint}

	if _, err := s.getJSON(ctx, KeyEnabled, &settings.Enabled); err != nil {
		return settings, err
	}
	if _, err := s.getJSON(ctx, KeyAPIEndpoint, &settings.APIEndpoint); err != nil {
		return settings, err
	}
	return settings, nil
}

// SaveSettings writes both settings keys
func (s *Store) SaveSettings(ctx context.Context, settings domain.Settings) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := setJSON(ctx, tx, KeyEnabled, settings.Enabled); err != nil {
		return err
	}
	if err := setJSON(ctx, tx, KeyAPIEndpoint, settings.APIEndpoint); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit settings: %w", err)
	}
	return nil
}

// LoadCache reads the persisted classification cache. found is false when no
// cache has been stored yet.
func (s *Store) LoadCache(ctx context.Context) (entries map[domain.Fingerprint]domain.ClassificationResult, createdAt time.Time, found bool, err error) {
	var tsMillis int64
	okTS, err := s.getJSON(ctx, KeyCacheTimestamp, &tsMillis)
	if err != nil {
		return nil, time.Time{}, false, err
	}

	entries = make(map[domain.Fingerprint]domain.ClassificationResult)
	okCache, err := s.getJSON(ctx, KeyCache, &entries)
	if err != nil {
		return nil, time.Time{}, false, err
	}

	if !okTS || !okCache {
		return nil, time.Time{}, false, nil
	}
	return entries, time.UnixMilli(tsMillis), true, nil
}

// SaveCache replaces the persisted cache and its timestamp in one transaction
func (s *Store) SaveCache(ctx context.Context, entries map[domain.Fingerprint]domain.ClassificationResult, createdAt time.Time) error {
	if entries == nil {
		entries = map[domain.Fingerprint]domain.ClassificationResult{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := setJSON(ctx, tx, KeyCache, entries); err != nil {
		return err
	}
	if err := setJSON(ctx, tx, KeyCacheTimestamp, createdAt.UnixMilli()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cache: %w", err)
	}
	return nil
}

func (s *Store) getJSON(ctx context.Context, key string, dst any) (bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func setJSON(ctx context.Context, tx *sql.Tx, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	_, err = tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO kv (key, value, updated_at) VALUES (?, ?, ?)",
		key, string(raw), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}
