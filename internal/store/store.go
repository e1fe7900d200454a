package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"github.com/JohnDataAnalyst/pigmalion-v06/aggregate"
)

// Store wraps SQLite access for source posts, enrichment tables and the
// aggregated results tables. The aggregation engine owns its own
// extraction and merge SQL; the store covers ingest writes and the
// read-API projections.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for the aggregation service, which is
// constructed per job invocation rather than sharing a process singleton.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS posts (
            post_url TEXT PRIMARY KEY,
            did TEXT,
            handle TEXT,
            posted_at TIMESTAMP,
            post_day TEXT NOT NULL,
            content TEXT,
            lang TEXT,
            trend_status TEXT NOT NULL DEFAULT 'pending',
            keyword_status TEXT NOT NULL DEFAULT 'pending',
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_posts_trend_status ON posts(trend_status, post_day);`,
		`CREATE INDEX IF NOT EXISTS idx_posts_keyword_status ON posts(keyword_status, post_day);`,
		`CREATE TABLE IF NOT EXISTS post_categories (
            post_url TEXT PRIMARY KEY,
            label_predominant TEXT,
            score REAL
        );`,
		`CREATE TABLE IF NOT EXISTS post_emotion (
            post_url TEXT PRIMARY KEY,
            anger REAL, disgust REAL, fear REAL, joy REAL, surprise REAL
        );`,
		`CREATE TABLE IF NOT EXISTS post_toxicity (
            post_url TEXT PRIMARY KEY,
            toxic REAL, severe_toxic REAL, obscene REAL,
            threat REAL, insult REAL, identity_hate REAL
        );`,
		`CREATE TABLE IF NOT EXISTS trends_results (
            post_date TEXT NOT NULL,
            categorie TEXT NOT NULL,
            post_occurrence INTEGER NOT NULL DEFAULT 0,
            mean_anger REAL, mean_disgust REAL, mean_fear REAL,
            mean_joy REAL, mean_surprise REAL,
            mean_toxic REAL, mean_severe_toxic REAL, mean_obscene REAL,
            mean_threat REAL, mean_insult REAL, mean_hate REAL,
            updated_at TIMESTAMP,
            PRIMARY KEY (post_date, categorie)
        );`,
		`CREATE TABLE IF NOT EXISTS keywords_results (
            post_date TEXT NOT NULL,
            categorie TEXT NOT NULL,
            keyword TEXT NOT NULL,
            ranking INTEGER NOT NULL,
            occurrence INTEGER NOT NULL DEFAULT 0,
            updated_at TIMESTAMP,
            PRIMARY KEY (post_date, categorie, keyword)
        );`,
		`CREATE TABLE IF NOT EXISTS aggregation_runs (
            id TEXT PRIMARY KEY,
            pipeline TEXT NOT NULL,
            status TEXT NOT NULL,
            posts_read INTEGER DEFAULT 0,
            posts_kept INTEGER DEFAULT 0,
            buckets_merged INTEGER DEFAULT 0,
            error TEXT,
            attempted_keys TEXT,
            started_at TIMESTAMP,
            finished_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS spool_files (
            filename TEXT PRIMARY KEY,
            loaded_at TIMESTAMP,
            records INTEGER DEFAULT 0,
            invalid INTEGER DEFAULT 0
        );`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// PostRow is one source post as written by the ingest boundary.
type PostRow struct {
	URL      string
	DID      string
	Handle   string
	PostedAt time.Time
	Content  string
	Lang     string
	Status   aggregate.Status
}

// InsertPost records a scraped post. Re-scraped URLs are ignored so a post
// already consumed by a pipeline is never reset to pending.
func (s *Store) InsertPost(ctx context.Context, p PostRow) error {
	if !p.Status.Valid() {
		return fmt.Errorf("invalid post status %q", p.Status)
	}
	day := p.PostedAt.UTC().Format("2006-01-02")
	_, err := s.db.ExecContext(ctx, `INSERT INTO posts
        (post_url, did, handle, posted_at, post_day, content, lang, trend_status, keyword_status)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(post_url) DO NOTHING`,
		p.URL, p.DID, p.Handle, p.PostedAt.UTC(), day, p.Content, p.Lang,
		string(p.Status), string(p.Status))
	return err
}

// UpsertCategory records the predominant category label for a post.
// Enrichment can be recomputed upstream, so latest wins.
func (s *Store) UpsertCategory(ctx context.Context, url, label string, score *float64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO post_categories (post_url, label_predominant, score)
        VALUES (?, ?, ?)
        ON CONFLICT(post_url) DO UPDATE SET
          label_predominant=excluded.label_predominant, score=excluded.score`,
		url, label, nullFloat(score))
	return err
}

// UpsertEmotion records emotion scores; nil fields stay NULL.
func (s *Store) UpsertEmotion(ctx context.Context, url string, anger, disgust, fear, joy, surprise *float64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO post_emotion (post_url, anger, disgust, fear, joy, surprise)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(post_url) DO UPDATE SET
          anger=excluded.anger, disgust=excluded.disgust, fear=excluded.fear,
          joy=excluded.joy, surprise=excluded.surprise`,
		url, nullFloat(anger), nullFloat(disgust), nullFloat(fear), nullFloat(joy), nullFloat(surprise))
	return err
}

// UpsertToxicity records toxicity scores; nil fields stay NULL.
func (s *Store) UpsertToxicity(ctx context.Context, url string, toxic, severe, obscene, threat, insult, hate *float64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO post_toxicity (post_url, toxic, severe_toxic, obscene, threat, insult, identity_hate)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(post_url) DO UPDATE SET
          toxic=excluded.toxic, severe_toxic=excluded.severe_toxic, obscene=excluded.obscene,
          threat=excluded.threat, insult=excluded.insult, identity_hate=excluded.identity_hate`,
		url, nullFloat(toxic), nullFloat(severe), nullFloat(obscene), nullFloat(threat), nullFloat(insult), nullFloat(hate))
	return err
}

// SpoolFileLoaded reports whether a spool file has already been ingested.
func (s *Store) SpoolFileLoaded(ctx context.Context, filename string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM spool_files WHERE filename = ?`, filename)
	var v int
	switch err := row.Scan(&v); err {
	case nil:
		return true, nil
	case sql.ErrNoRows:
		return false, nil
	default:
		return false, err
	}
}

// RecordSpoolFile marks a spool file as ingested with its record counts.
func (s *Store) RecordSpoolFile(ctx context.Context, filename string, records, invalid int) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO spool_files (filename, loaded_at, records, invalid)
        VALUES (?, CURRENT_TIMESTAMP, ?, ?)
        ON CONFLICT(filename) DO UPDATE SET
          loaded_at=CURRENT_TIMESTAMP, records=excluded.records, invalid=excluded.invalid`,
		filename, records, invalid)
	return err
}

// ResultsFilter narrows read-API projections. An empty or "all" category
// selects the synthetic All rollup bucket. Dates are inclusive YYYY-MM-DD
// bounds; empty means unbounded.
type ResultsFilter struct {
	Category  string
	StartDate string
	EndDate   string
}

func (f ResultsFilter) categoryLabel() string {
	if f.Category == "" || f.Category == "all" {
		return aggregate.CategoryAll
	}
	return f.Category
}

func (f ResultsFilter) apply(b sq.SelectBuilder, dateCol string) sq.SelectBuilder {
	b = b.Where(sq.Eq{"categorie": f.categoryLabel()})
	if f.StartDate != "" {
		b = b.Where(sq.GtOrEq{dateCol: f.StartDate})
	}
	if f.EndDate != "" {
		b = b.Where(sq.LtOrEq{dateCol: f.EndDate})
	}
	return b
}

// ToxicityStats are window-averaged toxicity means for the dashboard.
type ToxicityStats struct {
	Toxic       float64 `json:"toxic"`
	SevereToxic float64 `json:"severe"`
	Insult      float64 `json:"insult"`
	Obscene     float64 `json:"obscene"`
	Threat      float64 `json:"threat"`
	Hate        float64 `json:"identityhate"`
}

// EmotionScore pairs one emotion label with its window-averaged mean.
type EmotionScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// KeywordCount is one row of the top-keyword projection.
type KeywordCount struct {
	Rank       int    `json:"rank"`
	Keyword    string `json:"keyword"`
	Occurrence int    `json:"occurrence"`
}

// TrendToxicityStats averages the stored toxicity means over the filtered
// window. NULL means are skipped by AVG; a fully empty window reads as
// zeroes, the dashboard contract.
func (s *Store) TrendToxicityStats(ctx context.Context, f ResultsFilter) (ToxicityStats, error) {
	query, args, err := f.apply(sq.Select(
		"AVG(mean_toxic)", "AVG(mean_severe_toxic)", "AVG(mean_insult)",
		"AVG(mean_obscene)", "AVG(mean_threat)", "AVG(mean_hate)",
	).From("trends_results"), "post_date").ToSql()
	if err != nil {
		return ToxicityStats{}, err
	}
	var vals [6]sql.NullFloat64
	row := s.db.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&vals[0], &vals[1], &vals[2], &vals[3], &vals[4], &vals[5]); err != nil {
		return ToxicityStats{}, err
	}
	return ToxicityStats{
		Toxic:       vals[0].Float64,
		SevereToxic: vals[1].Float64,
		Insult:      vals[2].Float64,
		Obscene:     vals[3].Float64,
		Threat:      vals[4].Float64,
		Hate:        vals[5].Float64,
	}, nil
}

// TrendEmotionStats averages the stored emotion means over the filtered
// window, returned in a fixed label order.
func (s *Store) TrendEmotionStats(ctx context.Context, f ResultsFilter) ([]EmotionScore, error) {
	query, args, err := f.apply(sq.Select(
		"AVG(mean_anger)", "AVG(mean_disgust)", "AVG(mean_fear)",
		"AVG(mean_joy)", "AVG(mean_surprise)",
	).From("trends_results"), "post_date").ToSql()
	if err != nil {
		return nil, err
	}
	var vals [5]sql.NullFloat64
	row := s.db.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&vals[0], &vals[1], &vals[2], &vals[3], &vals[4]); err != nil {
		return nil, err
	}
	labels := []string{"anger", "disgust", "fear", "joy", "surprise"}
	out := make([]EmotionScore, len(labels))
	for i, label := range labels {
		out[i] = EmotionScore{Label: label, Score: vals[i].Float64}
	}
	return out, nil
}

// PostCount sums the aggregated occurrence over the filtered window.
func (s *Store) PostCount(ctx context.Context, f ResultsFilter) (int, error) {
	query, args, err := f.apply(sq.Select("COALESCE(SUM(post_occurrence), 0)").
		From("trends_results"), "post_date").ToSql()
	if err != nil {
		return 0, err
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// TopKeywords re-ranks stored keyword buckets by summed occurrence across
// the filtered window. Ties break on the keyword so ordering is stable.
func (s *Store) TopKeywords(ctx context.Context, f ResultsFilter, limit int) ([]KeywordCount, error) {
	if limit <= 0 {
		limit = aggregate.DefaultTopKeywords
	}
	query, args, err := f.apply(sq.Select("keyword", "SUM(occurrence) AS occ").
		From("keywords_results"), "post_date").
		GroupBy("keyword").
		OrderBy("occ DESC", "keyword ASC").
		Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []KeywordCount
	for rows.Next() {
		var kc KeywordCount
		if err := rows.Scan(&kc.Keyword, &kc.Occurrence); err != nil {
			return nil, err
		}
		kc.Rank = len(out) + 1
		out = append(out, kc)
	}
	return out, rows.Err()
}

// Run is one aggregation_runs row for the ops surface.
type Run struct {
	ID            string     `json:"id"`
	Pipeline      string     `json:"pipeline"`
	Status        string     `json:"status"`
	PostsRead     int        `json:"posts_read"`
	PostsKept     int        `json:"posts_kept"`
	BucketsMerged int        `json:"buckets_merged"`
	Error         *string    `json:"error,omitempty"`
	AttemptedKeys *string    `json:"attempted_keys,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// ListRuns returns the most recent aggregation runs.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, pipeline, status, posts_read, posts_kept,
        buckets_merged, error, attempted_keys, started_at, finished_at
        FROM aggregation_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var errMsg, attempted sql.NullString
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.Pipeline, &r.Status, &r.PostsRead, &r.PostsKept,
			&r.BucketsMerged, &errMsg, &attempted, &r.StartedAt, &finished); err != nil {
			return nil, err
		}
		if errMsg.Valid {
			r.Error = &errMsg.String
		}
		if attempted.Valid {
			r.AttemptedKeys = &attempted.String
		}
		if finished.Valid {
			r.FinishedAt = &finished.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Health returns err if the database is not reachable.
func (s *Store) Health(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `SELECT 1`)
	var v int
	if err := row.Scan(&v); err != nil {
		return fmt.Errorf("db health: %w", err)
	}
	return nil
}

func nullFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
