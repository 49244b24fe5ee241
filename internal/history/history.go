package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/staydesk/staydesk/internal/nlp"
)

// DispatchStatus is the outcome of acting on a result
type DispatchStatus string

const (
	DispatchSent    DispatchStatus = "sent"
	DispatchFailed  DispatchStatus = "failed"
	DispatchSkipped DispatchStatus = "skipped" // No reply sent (ignored email, replies off or limit reached)
)

// Record is a stored pipeline result
type Record struct {
	ID          int64
	Result      nlp.Result
	ProcessedAt time.Time
}

// Dispatch records what was done for one email
type Dispatch struct {
	ID                int64          `json:"id"`
	MessageID         string         `json:"message_id"`
	Action            nlp.NextAction `json:"action"`
	Status            DispatchStatus `json:"status"`
	ReplyKind         string         `json:"reply_kind,omitempty"` // Template used, empty when nothing was sent
	Provider          string         `json:"provider,omitempty"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	Error             string         `json:"error,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// ResultFilter narrows ListResults; zero values match everything
type ResultFilter struct {
	Intent        nlp.IntentType
	NextAction    nlp.NextAction
	EscalatedOnly bool
	Since         time.Time
	Limit         int
}

type Store struct {
	db *sql.DB
}

// Fixed-width UTC timestamps so text comparison orders them
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps :memory: databases shared and writes serialized
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL UNIQUE,
		sender TEXT,
		subject TEXT,
		intent TEXT NOT NULL,
		next_action TEXT NOT NULL,
		confidence REAL NOT NULL,
		params TEXT,
		clarification_needed INTEGER DEFAULT 0,
		clarification_questions TEXT,
		escalate INTEGER DEFAULT 0,
		reasoning TEXT,
		processing_time_ms REAL,
		processed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_results_intent ON results(intent);
	CREATE INDEX IF NOT EXISTS idx_results_next_action ON results(next_action);
	CREATE INDEX IF NOT EXISTS idx_results_processed_at ON results(processed_at);

	CREATE TABLE IF NOT EXISTS dispatches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL,
		action TEXT NOT NULL,
		status TEXT NOT NULL,
		reply_kind TEXT,
		provider TEXT,
		provider_message_id TEXT,
		error TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_dispatches_message_id ON dispatches(message_id);
	CREATE INDEX IF NOT EXISTS idx_dispatches_status ON dispatches(status);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// AddResult stores a result. Reprocessing a message id replaces the
// earlier row.
func (s *Store) AddResult(r nlp.Result) (int64, error) {
	params, err := json.Marshal(r.Params)
	if err != nil {
		return 0, fmt.Errorf("failed to encode params: %w", err)
	}
	questions, err := json.Marshal(r.ClarificationQuestions)
	if err != nil {
		return 0, fmt.Errorf("failed to encode questions: %w", err)
	}

	query := `
	INSERT INTO results (message_id, sender, subject, intent, next_action, confidence, params,
		clarification_needed, clarification_questions, escalate, reasoning, processing_time_ms, processed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(message_id) DO UPDATE SET
		sender = excluded.sender,
		subject = excluded.subject,
		intent = excluded.intent,
		next_action = excluded.next_action,
		confidence = excluded.confidence,
		params = excluded.params,
		clarification_needed = excluded.clarification_needed,
		clarification_questions = excluded.clarification_questions,
		escalate = excluded.escalate,
		reasoning = excluded.reasoning,
		processing_time_ms = excluded.processing_time_ms,
		processed_at = excluded.processed_at
	RETURNING id`

	var id int64
	err = s.db.QueryRow(query,
		r.MessageID, r.Sender, r.Subject, string(r.Intent), string(r.NextAction), r.Confidence, string(params),
		boolInt(r.ClarificationNeeded), string(questions), boolInt(r.Escalate), r.Reasoning, r.ProcessingTimeMs,
		time.Now().UTC().Format(timeLayout),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert result: %w", err)
	}
	return id, nil
}

const resultColumns = `id, message_id, sender, subject, intent, next_action, confidence, params,
	clarification_needed, clarification_questions, escalate, reasoning, processing_time_ms, processed_at`

// scanRecord handles nullable columns when scanning a row
func scanRecord(scanner interface{ Scan(...any) error }) (*Record, error) {
	var rec Record
	var sender, subject, params, questions, reasoning, processedAt sql.NullString
	var intent, action string
	var clarification, escalate int
	var elapsed sql.NullFloat64

	r := &rec.Result
	err := scanner.Scan(&rec.ID, &r.MessageID, &sender, &subject, &intent, &action, &r.Confidence, &params,
		&clarification, &questions, &escalate, &reasoning, &elapsed, &processedAt)
	if err != nil {
		return nil, err
	}

	r.Sender = sender.String
	r.Subject = subject.String
	r.Intent = nlp.IntentType(intent)
	r.NextAction = nlp.NextAction(action)
	r.ClarificationNeeded = clarification == 1
	r.Escalate = escalate == 1
	r.Reasoning = reasoning.String
	r.ProcessingTimeMs = elapsed.Float64
	rec.ProcessedAt = parseTime(processedAt.String)

	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &r.Params); err != nil {
			return nil, fmt.Errorf("failed to decode params of %s: %w", r.MessageID, err)
		}
	}
	r.ClarificationQuestions = []string{}
	if questions.Valid && questions.String != "" {
		if err := json.Unmarshal([]byte(questions.String), &r.ClarificationQuestions); err != nil {
			return nil, fmt.Errorf("failed to decode questions of %s: %w", r.MessageID, err)
		}
	}
	return &rec, nil
}

// GetResult returns the stored result for a message id, or nil
func (s *Store) GetResult(messageID string) (*Record, error) {
	query := `SELECT ` + resultColumns + ` FROM results WHERE message_id = ?`

	rec, err := scanRecord(s.db.QueryRow(query, messageID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query result: %w", err)
	}
	return rec, nil
}

// HasResult reports whether a message id was processed before
func (s *Store) HasResult(messageID string) (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM results WHERE message_id = ?`, messageID).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to query result: %w", err)
	}
	return n > 0, nil
}

// ListResults returns stored results, newest first
func (s *Store) ListResults(f ResultFilter) ([]Record, error) {
	where, args := f.clauses()
	query := `SELECT ` + resultColumns + ` FROM results` + where + ` ORDER BY processed_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// GetRecentResults returns the latest results
func (s *Store) GetRecentResults(limit int) ([]Record, error) {
	return s.ListResults(ResultFilter{Limit: limit})
}

func (f ResultFilter) clauses() (string, []any) {
	var conds []string
	var args []any
	if f.Intent != "" {
		conds = append(conds, "intent = ?")
		args = append(args, string(f.Intent))
	}
	if f.NextAction != "" {
		conds = append(conds, "next_action = ?")
		args = append(args, string(f.NextAction))
	}
	if f.EscalatedOnly {
		conds = append(conds, "escalate = 1")
	}
	if !f.Since.IsZero() {
		conds = append(conds, "processed_at >= ?")
		args = append(args, f.Since.UTC().Format(timeLayout))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// GetStats computes batch statistics over stored results matching f
// (the limit is ignored)
func (s *Store) GetStats(f ResultFilter) (nlp.Stats, error) {
	stats := nlp.Stats{
		IntentDistribution: map[nlp.IntentType]int{},
		ActionDistribution: map[nlp.NextAction]int{},
	}
	where, args := f.clauses()

	query := `SELECT COUNT(*), COALESCE(AVG(confidence), 0), COALESCE(AVG(processing_time_ms), 0),
		COALESCE(SUM(clarification_needed), 0), COALESCE(SUM(escalate), 0) FROM results` + where

	var avgConfidence, avgTime float64
	err := s.db.QueryRow(query, args...).Scan(&stats.TotalEmails, &avgConfidence, &avgTime,
		&stats.ClarificationNeededCount, &stats.EscalationCount)
	if err != nil {
		return stats, fmt.Errorf("failed to get stats: %w", err)
	}
	stats.AverageConfidence = math.Round(avgConfidence*1000) / 1000
	stats.AverageProcessingTimeMs = math.Round(avgTime*100) / 100

	rows, err := s.db.Query(`SELECT intent, next_action, COUNT(*) FROM results`+where+` GROUP BY intent, next_action`, args...)
	if err != nil {
		return stats, fmt.Errorf("failed to query distributions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var intent, action string
		var count int
		if err := rows.Scan(&intent, &action, &count); err != nil {
			return stats, fmt.Errorf("failed to scan distribution: %w", err)
		}
		stats.IntentDistribution[nlp.IntentType(intent)] += count
		stats.ActionDistribution[nlp.NextAction(action)] += count
	}
	return stats, rows.Err()
}

// AddDispatch records a dispatch outcome
func (s *Store) AddDispatch(d *Dispatch) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	query := `
	INSERT INTO dispatches (message_id, action, status, reply_kind, provider, provider_message_id, error, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(query,
		d.MessageID, string(d.Action), string(d.Status), d.ReplyKind, d.Provider, d.ProviderMessageID, d.Error,
		d.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert dispatch: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	d.ID = id
	return nil
}

// GetDispatches returns the dispatch history of one message, oldest first
func (s *Store) GetDispatches(messageID string) ([]Dispatch, error) {
	query := `SELECT id, message_id, action, status, reply_kind, provider, provider_message_id, error, created_at
		FROM dispatches WHERE message_id = ? ORDER BY id`

	rows, err := s.db.Query(query, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dispatches: %w", err)
	}
	defer rows.Close()

	var out []Dispatch
	for rows.Next() {
		var d Dispatch
		var action, status string
		var kind, provider, providerID, errStr, createdAt sql.NullString
		if err := rows.Scan(&d.ID, &d.MessageID, &action, &status, &kind, &provider, &providerID, &errStr, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan dispatch: %w", err)
		}
		d.Action = nlp.NextAction(action)
		d.Status = DispatchStatus(status)
		d.ReplyKind = kind.String
		d.Provider = provider.String
		d.ProviderMessageID = providerID.String
		d.Error = errStr.String
		d.CreatedAt = parseTime(createdAt.String)
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetDispatchStats returns counts of dispatch outcomes
func (s *Store) GetDispatchStats() (map[DispatchStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM dispatches GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dispatch stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[DispatchStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan dispatch stat: %w", err)
		}
		stats[DispatchStatus(status)] = count
	}
	return stats, rows.Err()
}

// CountSentSince counts replies sent since t, for daily sending limits
func (s *Store) CountSentSince(t time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM dispatches WHERE status = ? AND created_at >= ?`,
		string(DispatchSent), t.UTC().Format(timeLayout)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count sent replies: %w", err)
	}
	return n, nil
}

// DeleteBefore removes results and dispatches older than t
func (s *Store) DeleteBefore(t time.Time) (int64, error) {
	cutoff := t.UTC().Format(timeLayout)
	if _, err := s.db.Exec(`DELETE FROM dispatches WHERE created_at < ?`, cutoff); err != nil {
		return 0, fmt.Errorf("failed to delete dispatches: %w", err)
	}
	result, err := s.db.Exec(`DELETE FROM results WHERE processed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete results: %w", err)
	}
	return result.RowsAffected()
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse("2006-01-02 15:04:05", s)
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
