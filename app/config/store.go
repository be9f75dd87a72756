package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mkrasnov/tg-guard/app/storage/engine"
)

// document ids in the documents table
const (
	settingsDocID = "settings"
	statDocID     = "stat"
)

// Stat is the persisted counters document: cumulative per-pattern hit
// counts and per-chat daily violation counts. Both maps are additive only.
type Stat struct {
	Regex map[string]int            `json:"regex"`
	Daily map[string]map[string]int `json:"daily"` // chat id -> date "2006-01-02" -> count
}

// Store provides access to the settings and stat documents kept in the database
type Store struct {
	*engine.SQL
	engine.RWLocker
}

// document store queries
const (
	CmdCreateDocumentsTable engine.DBCmd = iota + 200
	CmdCreateDocumentsIndexes
	CmdSelectDocument
	CmdUpsertDocument
)

var documentQueries = engine.NewQueryMap().
	Add(CmdCreateDocumentsTable, engine.Query{
		Sqlite: `CREATE TABLE IF NOT EXISTS documents (
			id TEXT NOT NULL,
			gid TEXT NOT NULL,
			data TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(gid, id)
		)`,
		Postgres: `CREATE TABLE IF NOT EXISTS documents (
			id TEXT NOT NULL,
			gid TEXT NOT NULL,
			data TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(gid, id)
		)`,
	}).
	AddSame(CmdCreateDocumentsIndexes, `CREATE INDEX IF NOT EXISTS idx_documents_id ON documents(gid, id)`).
	AddSame(CmdSelectDocument, `SELECT data FROM documents WHERE gid = ? AND id = ?`).
	Add(CmdUpsertDocument, engine.Query{
		Sqlite: `INSERT INTO documents (id, gid, data, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (gid, id) DO UPDATE
			SET data = excluded.data, updated_at = excluded.updated_at`,
		Postgres: `INSERT INTO documents (id, gid, data, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (gid, id) DO UPDATE
			SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
	})

// NewStore creates a document store and initializes the table
func NewStore(ctx context.Context, db *engine.SQL) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("no db provided")
	}

	res := &Store{SQL: db, RWLocker: db.MakeLock()}

	cfg := engine.TableConfig{
		Name:          "documents",
		CreateTable:   CmdCreateDocumentsTable,
		CreateIndexes: CmdCreateDocumentsIndexes,
		QueriesMap:    documentQueries,
	}
	if err := engine.InitTable(ctx, db, cfg); err != nil {
		return nil, fmt.Errorf("failed to init documents table: %w", err)
	}
	return res, nil
}

// LoadSettings reads and validates the settings document. The document is
// operator-edited, the pipeline never writes it back.
func (s *Store) LoadSettings(ctx context.Context) (*Settings, error) {
	data, found, err := s.loadDocument(ctx, settingsDocID)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings document: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("settings document not found")
	}

	res := &Settings{}
	if err := json.Unmarshal([]byte(data), res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings document: %w", err)
	}
	if err := res.Validate(); err != nil {
		return nil, fmt.Errorf("settings document is invalid: %w", err)
	}
	return res, nil
}

// LoadStat reads the stat document. If the document is absent it is
// created once with empty maps, this is the only write to a document the
// pipeline doesn't own the content of.
func (s *Store) LoadStat(ctx context.Context) (*Stat, error) {
	data, found, err := s.loadDocument(ctx, statDocID)
	if err != nil {
		return nil, fmt.Errorf("failed to load stat document: %w", err)
	}

	if !found {
		log.Printf("[INFO] stat document not found, initializing empty")
		res := &Stat{Regex: map[string]int{}, Daily: map[string]map[string]int{}}
		if err := s.SaveStat(ctx, res); err != nil {
			return nil, fmt.Errorf("failed to initialize stat document: %w", err)
		}
		return res, nil
	}

	res := &Stat{}
	if err := json.Unmarshal([]byte(data), res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stat document: %w", err)
	}
	if res.Regex == nil {
		res.Regex = map[string]int{}
	}
	if res.Daily == nil {
		res.Daily = map[string]map[string]int{}
	}
	return res, nil
}

// SaveStat writes the stat document back
func (s *Store) SaveStat(ctx context.Context, stat *Stat) error {
	data, err := json.Marshal(stat)
	if err != nil {
		return fmt.Errorf("failed to marshal stat document: %w", err)
	}

	s.Lock()
	defer s.Unlock()

	query, err := documentQueries.Pick(s.Type(), CmdUpsertDocument)
	if err != nil {
		return fmt.Errorf("failed to get upsert document query: %w", err)
	}
	if _, err := s.ExecContext(ctx, query, statDocID, s.GID(), string(data), time.Now()); err != nil {
		return fmt.Errorf("failed to save stat document: %w", err)
	}
	return nil
}

// SaveSettings writes the settings document, used by provisioning and tests only
func (s *Store) SaveSettings(ctx context.Context, settings *Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings document: %w", err)
	}

	s.Lock()
	defer s.Unlock()

	query, err := documentQueries.Pick(s.Type(), CmdUpsertDocument)
	if err != nil {
		return fmt.Errorf("failed to get upsert document query: %w", err)
	}
	if _, err := s.ExecContext(ctx, query, settingsDocID, s.GID(), string(data), time.Now()); err != nil {
		return fmt.Errorf("failed to save settings document: %w", err)
	}
	return nil
}

func (s *Store) loadDocument(ctx context.Context, id string) (data string, found bool, err error) {
	s.RLock()
	defer s.RUnlock()

	query, err := documentQueries.Pick(s.Type(), CmdSelectDocument)
	if err != nil {
		return "", false, fmt.Errorf("failed to get select document query: %w", err)
	}

	var record struct {
		Data string `db:"data"`
	}
	err = s.GetContext(ctx, &record, s.Rebind(query), s.GID(), id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get document %q: %w", id, err)
	}
	return record.Data, true, nil
}
