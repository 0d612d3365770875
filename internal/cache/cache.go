// Package cache implements the dual-strategy response cache.
//
// Responses are stored in generation-scoped rows of the shared SQLite
// database. Exactly one generation is "current" at a time; activation
// pre-populates the declared generation from a manifest, swaps the current
// pointer, then sweeps every other generation. A reader during activation
// observes either the old or the new generation, never a partially
// populated one.
//
// Two read strategies exist:
//
//   - NetworkFirst (dynamic/API resources): try the network, persist the
//     response in the background, fall back to the cached representation
//     or a synthesized unavailable response.
//   - CacheFirst (static assets, navigations): serve the cached
//     representation immediately and refresh it in the background; fall
//     through to the network on a miss.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

// ErrMiss is returned when no representation is cached for a key.
var ErrMiss = errors.New("cache miss")

// ReasonOffline is the machine-readable reason code carried by synthesized
// unavailable responses.
const ReasonOffline = "offline"

// unavailableHeader carries the reason code on synthesized responses.
const unavailableHeader = "X-Offline-Reason"

// Entry is one cached response snapshot.
type Entry struct {
	Key      string      `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`

	// ExpiresAt is nil for entries that never expire.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Synthesized reports whether this entry was fabricated by the cache
// rather than observed from the network.
func (e *Entry) Synthesized() bool {
	return e.Header.Get(unavailableHeader) != ""
}

// Fetcher is the network boundary for cacheable reads.
type Fetcher interface {
	Fetch(ctx context.Context, key string) (*Entry, error)
}

// Manager decides, per resource request, which strategy applies, and
// maintains generation hygiene.
type Manager struct {
	conn       *sql.DB
	generation string // declared generation name for this build
	fetch      Fetcher
	logger     *log.Logger

	wg sync.WaitGroup // in-flight background persists and refreshes
}

// NewManager creates a cache manager over a shared database connection.
//
// generation is the declared generation name; Activate makes it current.
// If logger is nil, a default logger writing to stderr is used.
func NewManager(conn *sql.DB, generation string, fetch Fetcher, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}
	return &Manager{
		conn:       conn,
		generation: generation,
		fetch:      fetch,
		logger:     logger,
	}
}

// InitSchema creates the cache tables if they don't exist. Idempotent.
func (m *Manager) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		generation TEXT NOT NULL,
		key TEXT NOT NULL,
		status INTEGER NOT NULL,
		headers TEXT NOT NULL,
		body BLOB,
		stored_at TEXT NOT NULL,
		expires_at TEXT,
		PRIMARY KEY (generation, key)
	);

	CREATE TABLE IF NOT EXISTS cache_meta (
		k TEXT PRIMARY KEY,
		v TEXT NOT NULL
	);
	`
	if _, err := m.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create cache schema: %w", err)
	}
	return nil
}

// DeclaredGeneration returns the generation name this manager was built for.
func (m *Manager) DeclaredGeneration() string {
	return m.generation
}

// CurrentGeneration returns the active generation name, or "" when no
// generation has ever been activated.
func (m *Manager) CurrentGeneration(ctx context.Context) (string, error) {
	var gen string
	err := m.conn.QueryRowContext(ctx,
		`SELECT v FROM cache_meta WHERE k = 'current_generation'`).Scan(&gen)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read current generation: %w", err)
	}
	return gen, nil
}

// Activate makes the declared generation current.
//
// Order matters for atomicity: the declared generation is populated from
// the manifest first, then the current pointer is swapped and every other
// generation swept in one transaction. Manifest resources that cannot be
// fetched are logged and skipped; an unreachable network at startup must
// not wedge activation.
func (m *Manager) Activate(ctx context.Context, manifest *Manifest) error {
	for _, key := range manifest.Keys() {
		entry, err := m.fetch.Fetch(ctx, key)
		if err != nil {
			// Keep any representation carried over from a previous run.
			if prev, perr := m.get(ctx, m.generation, key); perr == nil && prev != nil {
				continue
			}
			m.logger.Printf("WARNING: failed to pre-populate %s: %v", key, err)
			continue
		}
		if err := m.put(ctx, m.generation, key, entry); err != nil {
			return err
		}
	}

	tx, err := m.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin activation transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
	INSERT INTO cache_meta (k, v) VALUES ('current_generation', ?)
	ON CONFLICT(k) DO UPDATE SET v = excluded.v`, m.generation)
	if err != nil {
		return fmt.Errorf("failed to swap current generation: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE generation != ?`, m.generation)
	if err != nil {
		return fmt.Errorf("failed to sweep stale generations: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit activation: %w", err)
	}

	swept, _ := res.RowsAffected()
	m.logger.Printf("Activated generation %s (%d stale entries swept)", m.generation, swept)
	return nil
}

// NetworkFirst serves dynamic resources: network, then cache, then a
// synthesized unavailable response.
func (m *Manager) NetworkFirst(ctx context.Context, key string) (*Entry, error) {
	entry, err := m.fetch.Fetch(ctx, key)
	if err == nil {
		m.persistAsync(key, entry)
		return entry, nil
	}

	cached, cerr := m.Get(ctx, key)
	if cerr == nil {
		return cached, nil
	}
	if !errors.Is(cerr, ErrMiss) {
		return nil, cerr
	}

	m.logger.Printf("Network and cache unavailable for %s: %v", key, err)
	return Unavailable(key, ReasonOffline), nil
}

// CacheFirst serves static resources: cached representation immediately
// with a background refresh, falling through to the network on a miss.
// A miss with the network down returns ErrMiss wrapped over the network
// error; navigation callers use Navigation for the fallback page.
func (m *Manager) CacheFirst(ctx context.Context, key string) (*Entry, error) {
	cached, err := m.Get(ctx, key)
	if err == nil {
		m.refreshAsync(key)
		return cached, nil
	}
	if !errors.Is(err, ErrMiss) {
		return nil, err
	}

	entry, ferr := m.fetch.Fetch(ctx, key)
	if ferr != nil {
		return nil, fmt.Errorf("%w: network fallback failed: %v", ErrMiss, ferr)
	}
	m.persistAsync(key, entry)
	return entry, nil
}

// Navigation serves a navigation request cache-first; when both the cache
// and the network fail it returns the designated offline fallback page.
func (m *Manager) Navigation(ctx context.Context, key, offlinePage string) (*Entry, error) {
	entry, err := m.CacheFirst(ctx, key)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, ErrMiss) {
		return nil, err
	}

	fallback, ferr := m.Get(ctx, offlinePage)
	if ferr == nil {
		return fallback, nil
	}
	return Unavailable(key, ReasonOffline), nil
}

// Get returns the cached representation of key from the current
// generation, or ErrMiss. Expired entries are treated as misses.
func (m *Manager) Get(ctx context.Context, key string) (*Entry, error) {
	gen, err := m.CurrentGeneration(ctx)
	if err != nil {
		return nil, err
	}
	if gen == "" {
		return nil, ErrMiss
	}
	entry, err := m.get(ctx, gen, key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrMiss
	}
	if entry.ExpiresAt != nil && time.Now().After(*entry.ExpiresAt) {
		return nil, ErrMiss
	}
	return entry, nil
}

// Put stores a representation under key in the current generation.
func (m *Manager) Put(ctx context.Context, key string, entry *Entry) error {
	gen, err := m.CurrentGeneration(ctx)
	if err != nil {
		return err
	}
	if gen == "" {
		gen = m.generation
	}
	return m.put(ctx, gen, key, entry)
}

// ClearAll deletes every known cache generation and the current pointer.
// This is the CLEAR_CACHE client request.
func (m *Manager) ClearAll(ctx context.Context) error {
	tx, err := m.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin clear transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("failed to clear cache entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_meta WHERE k = 'current_generation'`); err != nil {
		return fmt.Errorf("failed to clear generation pointer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cache clear: %w", err)
	}
	m.logger.Println("Cleared all cache generations")
	return nil
}

// Generations enumerates every generation name present in storage.
func (m *Manager) Generations(ctx context.Context) ([]string, error) {
	rows, err := m.conn.QueryContext(ctx,
		`SELECT DISTINCT generation FROM cache_entries ORDER BY generation`)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate generations: %w", err)
	}
	defer rows.Close()

	var gens []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("failed to scan generation: %w", err)
		}
		gens = append(gens, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate generations: %w", err)
	}
	return gens, nil
}

// CountEntries returns the number of entries in the current generation.
func (m *Manager) CountEntries(ctx context.Context) (int, error) {
	gen, err := m.CurrentGeneration(ctx)
	if err != nil {
		return 0, err
	}
	var count int
	err = m.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_entries WHERE generation = ?`, gen).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return count, nil
}

// Flush waits for in-flight background persists and refreshes. Call on
// shutdown and in tests.
func (m *Manager) Flush() {
	m.wg.Wait()
}

// persistAsync writes an entry into the active generation without blocking
// the read path.
func (m *Manager) persistAsync(key string, entry *Entry) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.Put(ctx, key, entry); err != nil {
			m.logger.Printf("WARNING: failed to persist %s: %v", key, err)
		}
	}()
}

// refreshAsync re-fetches a key and overwrites the cache entry. The read
// that triggered it does not block on the refresh.
func (m *Manager) refreshAsync(key string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		entry, err := m.fetch.Fetch(ctx, key)
		if err != nil {
			// Stale-but-served is fine; the next online read refreshes.
			return
		}
		if err := m.Put(ctx, key, entry); err != nil {
			m.logger.Printf("WARNING: failed to refresh %s: %v", key, err)
		}
	}()
}

func (m *Manager) get(ctx context.Context, gen, key string) (*Entry, error) {
	row := m.conn.QueryRowContext(ctx, `
	SELECT status, headers, body, stored_at, expires_at
	FROM cache_entries WHERE generation = ? AND key = ?`, gen, key)

	var e Entry
	var headers, storedAt string
	var expiresAt sql.NullString
	err := row.Scan(&e.Status, &headers, &e.Body, &storedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry %s: %w", key, err)
	}

	e.Key = key
	if err := json.Unmarshal([]byte(headers), &e.Header); err != nil {
		return nil, fmt.Errorf("failed to decode headers for %s: %w", key, err)
	}
	if e.StoredAt, err = time.Parse(time.RFC3339Nano, storedAt); err != nil {
		return nil, fmt.Errorf("failed to parse stored_at for %s: %w", key, err)
	}
	if expiresAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, expiresAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse expires_at for %s: %w", key, err)
		}
		e.ExpiresAt = &t
	}
	return &e, nil
}

func (m *Manager) put(ctx context.Context, gen, key string, entry *Entry) error {
	if entry.Header == nil {
		entry.Header = http.Header{}
	}
	headers, err := json.Marshal(entry.Header)
	if err != nil {
		return fmt.Errorf("failed to encode headers for %s: %w", key, err)
	}

	storedAt := entry.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	var expiresAt any
	if entry.ExpiresAt != nil {
		expiresAt = entry.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}

	_, err = m.conn.ExecContext(ctx, `
	INSERT INTO cache_entries (generation, key, status, headers, body, stored_at, expires_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(generation, key) DO UPDATE SET
		status = excluded.status,
		headers = excluded.headers,
		body = excluded.body,
		stored_at = excluded.stored_at,
		expires_at = excluded.expires_at`,
		gen, key, entry.Status, string(headers), entry.Body,
		storedAt.UTC().Format(time.RFC3339Nano), expiresAt)
	if err != nil {
		return fmt.Errorf("failed to store cache entry %s: %w", key, err)
	}
	return nil
}

// Unavailable synthesizes the response returned when neither the network
// nor the cache can satisfy a request. It carries a machine-readable
// reason code and a timestamp.
func Unavailable(key, reason string) *Entry {
	now := time.Now().UTC()
	body, _ := json.Marshal(map[string]string{
		"error":     "unavailable",
		"reason":    reason,
		"timestamp": now.Format(time.RFC3339),
	})
	return &Entry{
		Key:    key,
		Status: http.StatusServiceUnavailable,
		Header: http.Header{
			"Content-Type":    []string{"application/json"},
			unavailableHeader: []string{reason},
		},
		Body:     body,
		StoredAt: now,
	}
}
