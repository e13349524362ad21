// Package playerdb keeps player accounts, sessions and moderation history in
// SQLite. Writes are queued and applied by one background goroutine so game
// logic never waits on disk.
package playerdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

const schemaVersion = "1"

var ErrNotFound = errors.New("player not found")

type EventKind int

const (
	EventLogin EventKind = iota + 1
	EventLogout
	EventBan
	EventUnban
	EventKick
	EventRankChange
)

func (k EventKind) String() string {
	switch k {
	case EventLogin:
		return "login"
	case EventLogout:
		return "logout"
	case EventBan:
		return "ban"
	case EventUnban:
		return "unban"
	case EventKick:
		return "kick"
	case EventRankChange:
		return "rank_change"
	default:
		return "unknown"
	}
}

type Totals struct {
	BlocksPlaced    int64
	BlocksDeleted   int64
	MessagesWritten int64
}

// Event is one recorded fact. Submitting the same event ID twice has the same
// effect as submitting it once.
type Event struct {
	ID      string
	Kind    EventKind
	Name    string
	Actor   string
	IP      string
	Reason  string
	OldRank string
	NewRank string
	Session string
	Totals  Totals
	At      time.Time
}

type Record struct {
	Name            string
	RankID          string
	FirstLogin      time.Time
	LastLogin       time.Time
	LastIP          string
	TimesVisited    int
	TimesKicked     int
	BlocksPlaced    int64
	BlocksDeleted   int64
	MessagesWritten int64
	Banned          bool
	BanReason       string
	BannedBy        string
}

type Stats struct {
	QueueDepth    int
	QueueCapacity int
	Dropped       uint64
	Failed        uint64
}

type request struct {
	event Event
	done  chan struct{}
}

type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// mu guards sends on ch against Close
	mu   sync.RWMutex
	ch   chan request
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty database path")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
		ch:     make(chan request, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS players (
			name TEXT PRIMARY KEY COLLATE NOCASE,
			rank_id TEXT NOT NULL DEFAULT '',
			first_login TEXT,
			last_login TEXT,
			last_ip TEXT NOT NULL DEFAULT '',
			times_visited INTEGER NOT NULL DEFAULT 0,
			times_kicked INTEGER NOT NULL DEFAULT 0,
			blocks_placed INTEGER NOT NULL DEFAULT 0,
			blocks_deleted INTEGER NOT NULL DEFAULT 0,
			messages_written INTEGER NOT NULL DEFAULT 0,
			banned INTEGER NOT NULL DEFAULT 0,
			ban_reason TEXT NOT NULL DEFAULT '',
			banned_by TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL COLLATE NOCASE,
			ip TEXT NOT NULL,
			login_at TEXT NOT NULL,
			logout_at TEXT,
			blocks_placed INTEGER NOT NULL DEFAULT 0,
			blocks_deleted INTEGER NOT NULL DEFAULT 0,
			messages_written INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_name ON sessions(name, login_at);`,
		`CREATE TABLE IF NOT EXISTS bans (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL COLLATE NOCASE,
			action TEXT NOT NULL,
			actor TEXT NOT NULL,
			reason TEXT NOT NULL,
			at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_bans_name ON bans(name, at);`,
		`CREATE TABLE IF NOT EXISTS kicks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL COLLATE NOCASE,
			actor TEXT NOT NULL,
			reason TEXT NOT NULL,
			at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS rank_changes (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL COLLATE NOCASE,
			actor TEXT NOT NULL,
			old_rank TEXT NOT NULL,
			new_rank TEXT NOT NULL,
			reason TEXT NOT NULL,
			at TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO meta(key, value) VALUES('schema_version', '` + schemaVersion + `');`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close applies queued events and closes the database.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed.Store(true)
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *Store) Stats() Stats {
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		Dropped:       s.dropped.Load(),
		Failed:        s.failed.Load(),
	}
}

// Record queues ev and returns its ID. It never blocks; when the queue is
// full the event is dropped and counted.
func (s *Store) Record(ev Event) string {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if s == nil {
		return ev.ID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return ev.ID
	}
	select {
	case s.ch <- request{event: ev}:
	default:
		s.dropped.Add(1)
		s.logger.Warn("player database queue full, event dropped", "kind", ev.Kind.String(), "player", ev.Name)
	}
	return ev.ID
}

// Flush waits until everything queued before the call has been written.
func (s *Store) Flush(ctx context.Context) error {
	done := make(chan struct{})
	s.mu.RLock()
	if s.closed.Load() {
		s.mu.RUnlock()
		return nil
	}
	select {
	case s.ch <- request{done: done}:
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	s.mu.RUnlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecordLogin returns the session id to pass to RecordLogout.
func (s *Store) RecordLogin(name, ip, rankID string, at time.Time) string {
	return s.Record(Event{Kind: EventLogin, Name: name, IP: ip, NewRank: rankID, At: at})
}

func (s *Store) RecordLogout(session, name string, totals Totals, at time.Time) {
	s.Record(Event{Kind: EventLogout, Session: session, Name: name, Totals: totals, At: at})
}

func (s *Store) RecordBan(name, actor, reason string, at time.Time) {
	s.Record(Event{Kind: EventBan, Name: name, Actor: actor, Reason: reason, At: at})
}

func (s *Store) RecordUnban(name, actor, reason string, at time.Time) {
	s.Record(Event{Kind: EventUnban, Name: name, Actor: actor, Reason: reason, At: at})
}

func (s *Store) RecordKick(name, actor, reason string, at time.Time) {
	s.Record(Event{Kind: EventKick, Name: name, Actor: actor, Reason: reason, At: at})
}

func (s *Store) RecordRankChange(name, actor, oldRankID, newRankID, reason string, at time.Time) {
	s.Record(Event{Kind: EventRankChange, Name: name, Actor: actor, OldRank: oldRankID, NewRank: newRankID, Reason: reason, At: at})
}

// Lookup reads a player's record. Queued events may not be reflected yet.
func (s *Store) Lookup(ctx context.Context, name string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT name, rank_id, first_login, last_login, last_ip,
		times_visited, times_kicked, blocks_placed, blocks_deleted, messages_written,
		banned, ban_reason, banned_by
		FROM players WHERE name = ?`, name)

	var (
		r                     Record
		firstLogin, lastLogin sql.NullString
		banned                int
	)
	err := row.Scan(&r.Name, &r.RankID, &firstLogin, &lastLogin, &r.LastIP,
		&r.TimesVisited, &r.TimesKicked, &r.BlocksPlaced, &r.BlocksDeleted, &r.MessagesWritten,
		&banned, &r.BanReason, &r.BannedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read player: %w", err)
	}
	r.FirstLogin = parseTime(firstLogin)
	r.LastLogin = parseTime(lastLogin)
	r.Banned = banned != 0
	return &r, nil
}

// CountEvents reports how many rows a kind of event has produced for name.
func (s *Store) CountEvents(ctx context.Context, kind EventKind, name string) (int, error) {
	var query string
	switch kind {
	case EventLogin, EventLogout:
		query = `SELECT COUNT(*) FROM sessions WHERE name = ?`
	case EventBan:
		query = `SELECT COUNT(*) FROM bans WHERE name = ? AND action = 'ban'`
	case EventUnban:
		query = `SELECT COUNT(*) FROM bans WHERE name = ? AND action = 'unban'`
	case EventKick:
		query = `SELECT COUNT(*) FROM kicks WHERE name = ?`
	case EventRankChange:
		query = `SELECT COUNT(*) FROM rank_changes WHERE name = ?`
	default:
		return 0, fmt.Errorf("unknown event kind %d", kind)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, name).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
