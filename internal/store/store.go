// Package store persists matches, their append-only event logs, and judging
// records in SQLite. Appends are serialized per match so sequence numbers are
// gap-free and strictly increasing; reads may run concurrently.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"worldbuild/internal/logging"
	"worldbuild/internal/types"
)

// ErrNotFound is returned for unknown match ids.
var ErrNotFound = errors.New("not found")

// Store is the SQLite-backed persistence layer.
type Store struct {
	db *sql.DB

	// matchMu serializes appends per match. The map itself is guarded by mu.
	mu      sync.Mutex
	matchMu map[string]*sync.Mutex
}

// Open initializes the database at path, creating the directory and schema
// as needed.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		// synchronous=NORMAL is safe under WAL and much faster than FULL.
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.Store().Debugw("pragma failed", "pragma", pragma, "err", err)
		}
	}

	s := &Store{db: db, matchMu: make(map[string]*sync.Mutex)}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store().Infow("store opened", "path", path)
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS matches (
		match_id     TEXT PRIMARY KEY,
		status       TEXT NOT NULL,
		created_at   TEXT NOT NULL,
		seed         INTEGER NOT NULL,
		tier         INTEGER NOT NULL,
		challenge    TEXT,
		completed_at TEXT,
		canon_hash_a TEXT,
		canon_hash_b TEXT,
		error        TEXT
	);

	CREATE TABLE IF NOT EXISTS events (
		match_id TEXT NOT NULL,
		seq      INTEGER NOT NULL,
		id       TEXT NOT NULL,
		ts       TEXT NOT NULL,
		team_id  TEXT,
		type     TEXT NOT NULL,
		data     TEXT NOT NULL,
		PRIMARY KEY (match_id, seq),
		FOREIGN KEY (match_id) REFERENCES matches(match_id)
	);

	CREATE TABLE IF NOT EXISTS blind_mapping (
		match_id TEXT PRIMARY KEY,
		world_1  TEXT NOT NULL,
		world_2  TEXT NOT NULL,
		FOREIGN KEY (match_id) REFERENCES matches(match_id)
	);

	CREATE TABLE IF NOT EXISTS judging_scores (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		match_id           TEXT NOT NULL,
		created_at         TEXT NOT NULL,
		judge              TEXT NOT NULL,
		blind_id           TEXT NOT NULL,
		internal_coherence INTEGER NOT NULL,
		creative_ambition  INTEGER NOT NULL,
		visual_fidelity    INTEGER NOT NULL,
		artifact_quality   INTEGER NOT NULL,
		process_quality    INTEGER NOT NULL,
		notes              TEXT,
		FOREIGN KEY (match_id) REFERENCES matches(match_id)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}
	return nil
}

func (s *Store) lockFor(matchID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.matchMu[matchID]; ok {
		return m
	}
	m := &sync.Mutex{}
	s.matchMu[matchID] = m
	return m
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// CreateMatch persists a new match record in status running.
func (s *Store) CreateMatch(matchID string, seed int64, tier int, ch types.Challenge) (types.MatchRecord, error) {
	challengeJSON, err := json.Marshal(ch)
	if err != nil {
		return types.MatchRecord{}, err
	}
	rec := types.MatchRecord{
		MatchID:   matchID,
		Status:    types.StatusRunning,
		CreatedAt: now(),
		Seed:      seed,
		Tier:      tier,
		Challenge: &ch,
	}
	_, err = s.db.Exec(
		`INSERT INTO matches (match_id, status, created_at, seed, tier, challenge) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.MatchID, rec.Status, rec.CreatedAt, rec.Seed, rec.Tier, string(challengeJSON),
	)
	if err != nil {
		return types.MatchRecord{}, fmt.Errorf("insert match: %w", err)
	}
	return rec, nil
}

// MarkCompleted transitions a match to completed with both final hashes.
func (s *Store) MarkCompleted(matchID, canonHashA, canonHashB string) error {
	_, err := s.db.Exec(
		`UPDATE matches SET status = ?, completed_at = ?, canon_hash_a = ?, canon_hash_b = ? WHERE match_id = ?`,
		types.StatusCompleted, now(), canonHashA, canonHashB, matchID,
	)
	return err
}

// MarkFailed transitions a match to failed with an error string.
func (s *Store) MarkFailed(matchID, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE matches SET status = ?, completed_at = ?, error = ? WHERE match_id = ?`,
		types.StatusFailed, now(), errMsg, matchID,
	)
	return err
}

// Append assigns the next sequence number for the match and durably persists
// the event. The returned event carries its assigned seq and timestamp.
// Appends for the same match are serialized; different matches may append
// concurrently.
func (s *Store) Append(matchID string, team *types.TeamID, eventType string, data any) (types.MatchEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return types.MatchEvent{}, fmt.Errorf("marshal event data: %w", err)
	}

	lock := s.lockFor(matchID)
	lock.Lock()
	defer lock.Unlock()

	var next int64
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE match_id = ?`, matchID,
	).Scan(&next); err != nil {
		return types.MatchEvent{}, fmt.Errorf("assign seq: %w", err)
	}

	ev := types.MatchEvent{
		ID:      fmt.Sprintf("%s:%d", matchID, next),
		Seq:     next,
		TS:      now(),
		MatchID: matchID,
		TeamID:  team,
		Type:    eventType,
		Data:    raw,
	}
	var teamVal any
	if team != nil {
		teamVal = string(*team)
	}
	if _, err := s.db.Exec(
		`INSERT INTO events (match_id, seq, id, ts, team_id, type, data) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.MatchID, ev.Seq, ev.ID, ev.TS, teamVal, ev.Type, string(ev.Data),
	); err != nil {
		return types.MatchEvent{}, fmt.Errorf("append event: %w", err)
	}
	return ev, nil
}

// ListEvents returns a match's events with seq > afterSeq, ordered by seq.
func (s *Store) ListEvents(matchID string, afterSeq int64) ([]types.MatchEvent, error) {
	rows, err := s.db.Query(
		`SELECT match_id, seq, id, ts, team_id, type, data FROM events WHERE match_id = ? AND seq > ? ORDER BY seq ASC`,
		matchID, afterSeq,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []types.MatchEvent
	for rows.Next() {
		var ev types.MatchEvent
		var teamVal sql.NullString
		var data string
		if err := rows.Scan(&ev.MatchID, &ev.Seq, &ev.ID, &ev.TS, &teamVal, &ev.Type, &data); err != nil {
			return nil, err
		}
		if teamVal.Valid {
			team := types.TeamID(teamVal.String)
			ev.TeamID = &team
		}
		ev.Data = json.RawMessage(data)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// GetMatch returns the match record, or ErrNotFound.
func (s *Store) GetMatch(matchID string) (types.MatchRecord, error) {
	row := s.db.QueryRow(
		`SELECT match_id, status, created_at, seed, tier, challenge, completed_at, canon_hash_a, canon_hash_b, error
		 FROM matches WHERE match_id = ?`, matchID,
	)
	rec, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.MatchRecord{}, ErrNotFound
	}
	return rec, err
}

// ListMatches returns all matches, newest first.
func (s *Store) ListMatches() ([]types.MatchRecord, error) {
	rows, err := s.db.Query(
		`SELECT match_id, status, created_at, seed, tier, challenge, completed_at, canon_hash_a, canon_hash_b, error
		 FROM matches ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []types.MatchRecord
	for rows.Next() {
		rec, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, rec)
	}
	return matches, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMatch(row scanner) (types.MatchRecord, error) {
	var rec types.MatchRecord
	var challengeJSON, completedAt, hashA, hashB, errMsg sql.NullString
	if err := row.Scan(&rec.MatchID, &rec.Status, &rec.CreatedAt, &rec.Seed, &rec.Tier,
		&challengeJSON, &completedAt, &hashA, &hashB, &errMsg); err != nil {
		return types.MatchRecord{}, err
	}
	if challengeJSON.Valid && challengeJSON.String != "" {
		var ch types.Challenge
		if err := json.Unmarshal([]byte(challengeJSON.String), &ch); err == nil {
			rec.Challenge = &ch
		}
	}
	rec.CompletedAt = completedAt.String
	rec.CanonHashA = hashA.String
	rec.CanonHashB = hashB.String
	rec.Error = errMsg.String
	return rec, nil
}

// SaveBlindMapping persists the blind judging assignment for a match. If a
// mapping already exists it is returned unchanged.
func (s *Store) SaveBlindMapping(matchID string, world1, world2 types.TeamID) (map[string]types.TeamID, error) {
	lock := s.lockFor(matchID)
	lock.Lock()
	defer lock.Unlock()

	if existing, err := s.GetBlindMapping(matchID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if _, err := s.db.Exec(
		`INSERT INTO blind_mapping (match_id, world_1, world_2) VALUES (?, ?, ?)`,
		matchID, string(world1), string(world2),
	); err != nil {
		return nil, fmt.Errorf("save blind mapping: %w", err)
	}
	return map[string]types.TeamID{"WORLD-1": world1, "WORLD-2": world2}, nil
}

// GetBlindMapping returns the stored blind judging assignment.
func (s *Store) GetBlindMapping(matchID string) (map[string]types.TeamID, error) {
	var w1, w2 string
	err := s.db.QueryRow(
		`SELECT world_1, world_2 FROM blind_mapping WHERE match_id = ?`, matchID,
	).Scan(&w1, &w2)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return map[string]types.TeamID{"WORLD-1": types.TeamID(w1), "WORLD-2": types.TeamID(w2)}, nil
}

// SaveScore persists one judging submission and returns the stored record.
func (s *Store) SaveScore(matchID, judge, blindID string, scores types.JudgingScores, notes string) (types.JudgingScoreRecord, error) {
	rec := types.JudgingScoreRecord{
		MatchID:   matchID,
		CreatedAt: now(),
		Judge:     judge,
		BlindID:   blindID,
		Scores:    scores,
		Notes:     notes,
	}
	res, err := s.db.Exec(
		`INSERT INTO judging_scores (match_id, created_at, judge, blind_id, internal_coherence, creative_ambition, visual_fidelity, artifact_quality, process_quality, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.MatchID, rec.CreatedAt, rec.Judge, rec.BlindID,
		scores.InternalCoherence, scores.CreativeAmbition, scores.VisualFidelity, scores.ArtifactQuality, scores.ProcessQuality,
		rec.Notes,
	)
	if err != nil {
		return types.JudgingScoreRecord{}, fmt.Errorf("save score: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return rec, nil
}

// ListScores returns all score submissions for a match in insertion order.
func (s *Store) ListScores(matchID string) ([]types.JudgingScoreRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, match_id, created_at, judge, blind_id, internal_coherence, creative_ambition, visual_fidelity, artifact_quality, process_quality, notes
		 FROM judging_scores WHERE match_id = ? ORDER BY id ASC`, matchID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []types.JudgingScoreRecord
	for rows.Next() {
		var rec types.JudgingScoreRecord
		var notes sql.NullString
		if err := rows.Scan(&rec.ID, &rec.MatchID, &rec.CreatedAt, &rec.Judge, &rec.BlindID,
			&rec.Scores.InternalCoherence, &rec.Scores.CreativeAmbition, &rec.Scores.VisualFidelity,
			&rec.Scores.ArtifactQuality, &rec.Scores.ProcessQuality, &notes); err != nil {
			return nil, err
		}
		rec.Notes = notes.String
		records = append(records, rec)
	}
	return records, rows.Err()
}
