// Package valstore persists valuation runs to SQLite so past estimates
// can be re-read and re-rendered without re-querying data providers.
package valstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/joelkehle/offerdesk/internal/valuation"
)

var ErrNotFound = errors.New("valuation not found")

// Record is one stored pipeline run. Subject and Result round-trip
// through JSON columns; the scalar columns exist so listings don't have
// to parse every blob.
type Record struct {
	ID             string
	Subject        valuation.SubjectDescriptor
	Result         valuation.ValuationResult
	Notes          string
	ReportMarkdown string
	CreatedAt      time.Time
}

type Store struct {
	db *sqlx.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS valuations (
	valuation_id TEXT PRIMARY KEY,
	address      TEXT NOT NULL DEFAULT '',
	arv          REAL,
	subject      TEXT NOT NULL,
	result       TEXT NOT NULL,
	notes        TEXT NOT NULL DEFAULT '',
	report_md    TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_valuations_created_at ON valuations (created_at DESC);
`

func Open(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores a run and returns its generated ID.
func (s *Store) Save(subject valuation.SubjectDescriptor, result valuation.ValuationResult, notes, reportMD string) (Record, error) {
	rec := Record{
		ID:             uuid.NewString(),
		Subject:        subject,
		Result:         result,
		Notes:          notes,
		ReportMarkdown: reportMD,
		CreatedAt:      time.Now().UTC(),
	}
	subjectJSON, err := json.Marshal(subject)
	if err != nil {
		return Record{}, fmt.Errorf("marshal subject: %w", err)
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return Record{}, fmt.Errorf("marshal result: %w", err)
	}

	var arv sql.NullFloat64
	if result.ARV != nil {
		arv = sql.NullFloat64{Float64: *result.ARV, Valid: true}
	}
	_, err = s.db.Exec(`INSERT INTO valuations (valuation_id, address, arv, subject, result, notes, report_md, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		subject.Address,
		arv,
		string(subjectJSON),
		string(resultJSON),
		notes,
		reportMD,
		rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Record{}, fmt.Errorf("insert valuation: %w", err)
	}
	return rec, nil
}

func (s *Store) Get(id string) (Record, error) {
	row := s.db.QueryRow(`SELECT valuation_id, subject, result, notes, report_md, created_at
		FROM valuations WHERE valuation_id = ?`, id)
	return scanRecord(row)
}

// ListRecent returns summaries of the latest runs, newest first. The
// Result blob is parsed for each row; limit keeps that bounded.
func (s *Store) ListRecent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT valuation_id, subject, result, notes, report_md, created_at
		FROM valuations ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var subjectJSON, resultJSON, createdAt string
	err := row.Scan(&rec.ID, &subjectJSON, &resultJSON, &rec.Notes, &rec.ReportMarkdown, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal([]byte(subjectJSON), &rec.Subject); err != nil {
		return Record{}, fmt.Errorf("parse subject: %w", err)
	}
	if err := json.Unmarshal([]byte(resultJSON), &rec.Result); err != nil {
		return Record{}, fmt.Errorf("parse result: %w", err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return rec, nil
}
