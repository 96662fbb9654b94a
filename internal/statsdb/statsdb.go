// Package statsdb persists per-endpoint connection statistics in a
// local SQLite file. It is a warm-start cache for relay ranking:
// losing it costs nothing but the first election's quality.
package statsdb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// Store writes asynchronously through a single goroutine so callers
// on hot paths never wait on disk. Reads go straight to the database.
type Store struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type reqKind int

const (
	reqRTT reqKind = iota + 1
	reqConnect
	reqFailure
)

type req struct {
	kind  reqKind
	url   string
	rttMs int64
	at    string
}

// EndpointStats is one endpoint's accumulated history.
type EndpointStats struct {
	URL             string
	LastRTT         time.Duration
	Connects        int64
	Failures        int64
	LastConnectedAt time.Time
	UpdatedAt       time.Time
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db: db,
		ch: make(chan req, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-heavy write pattern; NORMAL durability is
	// plenty for a cache that can be rebuilt from live traffic.
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
		`CREATE TABLE IF NOT EXISTS endpoint_stats (
			url TEXT PRIMARY KEY,
			last_rtt_ms INTEGER NOT NULL DEFAULT 0,
			connects INTEGER NOT NULL DEFAULT 0,
			failures INTEGER NOT NULL DEFAULT 0,
			last_connected_at TEXT,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_endpoint_stats_rtt ON endpoint_stats(last_rtt_ms);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// RecordRTT stores the latest round-trip measurement. Dropped when
// the writer falls behind; the next sample replaces it anyway.
func (s *Store) RecordRTT(url string, rtt time.Duration) {
	if s == nil || s.closed.Load() || url == "" || rtt <= 0 {
		return
	}
	select {
	case s.ch <- req{kind: reqRTT, url: url, rttMs: rtt.Milliseconds(), at: now()}:
	default:
	}
}

// RecordConnect counts a completed handshake.
func (s *Store) RecordConnect(url string) {
	if s == nil || s.closed.Load() || url == "" {
		return
	}
	select {
	case s.ch <- req{kind: reqConnect, url: url, at: now()}:
	default:
	}
}

// RecordFailure counts a dial or handshake failure.
func (s *Store) RecordFailure(url string) {
	if s == nil || s.closed.Load() || url == "" {
		return
	}
	select {
	case s.ch <- req{kind: reqFailure, url: url, at: now()}:
	default:
	}
}

// Stats reads every endpoint's history, most recently updated first.
func (s *Store) Stats() ([]EndpointStats, error) {
	rows, err := s.db.Query(`SELECT url, last_rtt_ms, connects, failures,
		COALESCE(last_connected_at,''), updated_at
		FROM endpoint_stats ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EndpointStats
	for rows.Next() {
		var (
			st       EndpointStats
			rttMs    int64
			lastConn string
			updated  string
		)
		if err := rows.Scan(&st.URL, &rttMs, &st.Connects, &st.Failures, &lastConn, &updated); err != nil {
			return nil, err
		}
		st.LastRTT = time.Duration(rttMs) * time.Millisecond
		if lastConn != "" {
			st.LastConnectedAt, _ = time.Parse(time.RFC3339Nano, lastConn)
		}
		st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) loop() {
	upsertRTT, _ := s.db.Prepare(`INSERT INTO endpoint_stats(url,last_rtt_ms,updated_at) VALUES(?,?,?)
		ON CONFLICT(url) DO UPDATE SET last_rtt_ms=excluded.last_rtt_ms, updated_at=excluded.updated_at`)
	upsertConnect, _ := s.db.Prepare(`INSERT INTO endpoint_stats(url,connects,last_connected_at,updated_at) VALUES(?,1,?,?)
		ON CONFLICT(url) DO UPDATE SET connects=connects+1, last_connected_at=excluded.last_connected_at, updated_at=excluded.updated_at`)
	upsertFailure, _ := s.db.Prepare(`INSERT INTO endpoint_stats(url,failures,updated_at) VALUES(?,1,?)
		ON CONFLICT(url) DO UPDATE SET failures=failures+1, updated_at=excluded.updated_at`)
	defer func() {
		if upsertRTT != nil {
			_ = upsertRTT.Close()
		}
		if upsertConnect != nil {
			_ = upsertConnect.Close()
		}
		if upsertFailure != nil {
			_ = upsertFailure.Close()
		}
	}()

	for r := range s.ch {
		switch r.kind {
		case reqRTT:
			if upsertRTT != nil {
				_, _ = upsertRTT.Exec(r.url, r.rttMs, r.at)
			}
		case reqConnect:
			if upsertConnect != nil {
				_, _ = upsertConnect.Exec(r.url, r.at, r.at)
			}
		case reqFailure:
			if upsertFailure != nil {
				_, _ = upsertFailure.Exec(r.url, r.at)
			}
		}
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
