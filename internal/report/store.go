package report

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/joelkehle/assetaudit/internal/asset"
)

// Store archives run results to SQLite so past audits survive the
// per-session directory tree. Writes go through one connection; rows
// for a re-processed company replace the earlier attempt.
type Store struct {
	db *sqlx.DB
	mu sync.Mutex
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS companies (
	name              TEXT PRIMARY KEY,
	matched_keyword   TEXT NOT NULL DEFAULT '',
	eligible          INTEGER NOT NULL DEFAULT 1,
	reason            TEXT NOT NULL DEFAULT '',
	keywords          TEXT NOT NULL DEFAULT '[]',
	raw_count         INTEGER NOT NULL DEFAULT 0,
	valid_count       INTEGER NOT NULL DEFAULT 0,
	priority_count    INTEGER NOT NULL DEFAULT 0,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	cost_cny          REAL NOT NULL DEFAULT 0,
	summary           TEXT NOT NULL DEFAULT '',
	strategy          TEXT NOT NULL DEFAULT '',
	processed_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS assets (
	company  TEXT NOT NULL,
	link     TEXT NOT NULL,
	ip       TEXT NOT NULL DEFAULT '',
	port     TEXT NOT NULL DEFAULT '',
	title    TEXT NOT NULL DEFAULT '',
	keyword  TEXT NOT NULL DEFAULT '',
	query    TEXT NOT NULL DEFAULT '',
	valid    INTEGER NOT NULL DEFAULT 0,
	priority INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (company, link)
);
`

type companyRow struct {
	Name             string  `db:"name"`
	MatchedKeyword   string  `db:"matched_keyword"`
	Eligible         bool    `db:"eligible"`
	Reason           string  `db:"reason"`
	Keywords         string  `db:"keywords"`
	RawCount         int     `db:"raw_count"`
	ValidCount       int     `db:"valid_count"`
	PriorityCount    int     `db:"priority_count"`
	PromptTokens     int     `db:"prompt_tokens"`
	CompletionTokens int     `db:"completion_tokens"`
	CostCNY          float64 `db:"cost_cny"`
	Summary          string  `db:"summary"`
	Strategy         string  `db:"strategy"`
	ProcessedAt      string  `db:"processed_at"`
}

// CompanySummary is the archive view of one processed company.
type CompanySummary struct {
	Name           string    `db:"name"`
	MatchedKeyword string    `db:"matched_keyword"`
	Eligible       bool      `db:"eligible"`
	ValidCount     int       `db:"valid_count"`
	PriorityCount  int       `db:"priority_count"`
	CostCNY        float64   `db:"cost_cny"`
	ProcessedAt    time.Time `db:"-"`
}

func OpenStore(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveResult archives one company's outcome, replacing any earlier row
// for the same name.
func (s *Store) SaveResult(r CompanyResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keywordsJSON, err := json.Marshal(r.Keywords)
	if err != nil {
		return fmt.Errorf("marshal keywords: %w", err)
	}
	row := companyRow{
		Name:             r.Company,
		MatchedKeyword:   r.MatchedKeyword,
		Eligible:         r.Eligible,
		Reason:           r.Reason,
		Keywords:         string(keywordsJSON),
		RawCount:         len(r.RawAssets),
		ValidCount:       len(r.CleanAssets),
		PriorityCount:    len(r.PriorityAssets),
		PromptTokens:     r.Usage.PromptTokens,
		CompletionTokens: r.Usage.CompletionTokens,
		CostCNY:          r.CostCNY,
		Summary:          r.Decision.Summary,
		Strategy:         r.Decision.CNVDStrategy,
		ProcessedAt:      r.ProcessedAt.UTC().Format(time.RFC3339Nano),
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.NamedExec(`INSERT OR REPLACE INTO companies
		(name, matched_keyword, eligible, reason, keywords, raw_count, valid_count, priority_count,
		 prompt_tokens, completion_tokens, cost_cny, summary, strategy, processed_at)
		VALUES (:name, :matched_keyword, :eligible, :reason, :keywords, :raw_count, :valid_count, :priority_count,
		 :prompt_tokens, :completion_tokens, :cost_cny, :summary, :strategy, :processed_at)`, row); err != nil {
		return fmt.Errorf("save company: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM assets WHERE company = ?", r.Company); err != nil {
		return fmt.Errorf("clear assets: %w", err)
	}

	priority := make(map[string]bool, len(r.PriorityAssets))
	for _, a := range r.PriorityAssets {
		priority[a.Link] = true
	}
	valid := make(map[string]bool, len(r.CleanAssets))
	for _, a := range r.CleanAssets {
		valid[a.Link] = true
	}
	for _, a := range r.RawAssets {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO assets
			(company, link, ip, port, title, keyword, query, valid, priority)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.Company, a.Link, a.IP, a.Port, a.Title, a.SearchKeyword, a.QuerySyntax,
			boolToInt(valid[a.Link]), boolToInt(priority[a.Link])); err != nil {
			return fmt.Errorf("save asset: %w", err)
		}
	}
	return tx.Commit()
}

// ProcessedCompanies lists archived companies, newest first.
func (s *Store) ProcessedCompanies() ([]CompanySummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []struct {
		CompanySummary
		ProcessedAtRaw string `db:"processed_at"`
	}
	if err := s.db.Select(&rows, `SELECT name, matched_keyword, eligible, valid_count, priority_count, cost_cny, processed_at
		FROM companies ORDER BY processed_at DESC`); err != nil {
		return nil, err
	}
	out := make([]CompanySummary, len(rows))
	for i, r := range rows {
		out[i] = r.CompanySummary
		out[i].ProcessedAt, _ = time.Parse(time.RFC3339Nano, r.ProcessedAtRaw)
	}
	return out, nil
}

// RawAssets returns every archived asset for one company in insertion
// order, with its search provenance, ready for re-classification.
func (s *Store) RawAssets(company string) ([]asset.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []struct {
		asset.Asset
		Keyword string `db:"keyword"`
		Query   string `db:"query"`
	}
	if err := s.db.Select(&rows, `SELECT link, ip, port, title, keyword, query
		FROM assets WHERE company = ? ORDER BY rowid`, company); err != nil {
		return nil, err
	}
	out := make([]asset.Asset, len(rows))
	for i, r := range rows {
		out[i] = r.Asset
		out[i].SearchKeyword = r.Keyword
		out[i].QuerySyntax = r.Query
	}
	return out, nil
}

// PriorityAssets returns the archived priority candidates for one
// company in insertion order.
func (s *Store) PriorityAssets(company string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var links []string
	if err := s.db.Select(&links, "SELECT link FROM assets WHERE company = ? AND priority = 1", company); err != nil {
		return nil, err
	}
	return links, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
