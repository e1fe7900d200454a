package aggregate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JohnDataAnalyst/pigmalion-v06/config"
)

const dateLayout = "2006-01-02"

// Service runs the trend and keyword aggregation pipelines against the
// shared database. Each pipeline reads its own status column, so the two
// can run back to back without interfering; a per-pipeline mutex prevents
// overlapping invocations of the same pipeline in-process. Across
// processes the status flip is not claim-guarded, so operators must keep a
// single scheduled slot per pipeline.
type Service struct {
	db   *sql.DB
	cfg  config.AggregateConfig
	stop Stopwords

	trendMu   sync.Mutex
	keywordMu sync.Mutex
}

func NewService(db *sql.DB, cfg config.AggregateConfig, stop Stopwords) *Service {
	if stop == nil {
		stop = DefaultStopwords()
	}
	return &Service{db: db, cfg: cfg, stop: stop}
}

// RunTrends extracts pending posts, flips their trend status, aggregates
// them into (day, category) buckets and merges the buckets cumulatively
// into trends_results. daysBack bounds the extraction window; 0 means all
// history.
func (s *Service) RunTrends(ctx context.Context, daysBack int) (RunResult, error) {
	s.trendMu.Lock()
	defer s.trendMu.Unlock()
	return s.run(ctx, PipelineTrends, daysBack)
}

// RunKeywords is the keyword-pipeline counterpart of RunTrends.
func (s *Service) RunKeywords(ctx context.Context, daysBack int) (RunResult, error) {
	s.keywordMu.Lock()
	defer s.keywordMu.Unlock()
	return s.run(ctx, PipelineKeywords, daysBack)
}

func (s *Service) run(ctx context.Context, pipeline Pipeline, daysBack int) (RunResult, error) {
	res := RunResult{Pipeline: pipeline, StartedAt: time.Now().UTC()}
	runID, err := s.startRun(ctx, pipeline)
	if err != nil {
		log.Printf("%s run start failed: %v", pipeline, err)
	}
	res.RunID = runID

	posts, err := s.loadPending(ctx, pipeline, daysBack)
	if err != nil {
		res.Status = RunFailed
		res.Error = err.Error()
		s.finishRun(ctx, runID, res, nil)
		return res, fmt.Errorf("%s extraction: %w", pipeline, err)
	}
	res.PostsRead = len(posts)
	if len(posts) == 0 {
		res.Status = RunNoop
		s.finishRun(ctx, runID, res, nil)
		log.Printf("%s run: no pending posts, nothing to do", pipeline)
		return res, nil
	}

	// Flip statuses before aggregating. A crash between here and the merge
	// loses this batch instead of double counting it on the next run.
	urls := distinctURLs(posts)
	if err := s.markDone(ctx, pipeline, urls); err != nil {
		res.Status = RunFailed
		res.Error = err.Error()
		s.finishRun(ctx, runID, res, nil)
		return res, fmt.Errorf("%s status flip: %w", pipeline, err)
	}

	for _, p := range posts {
		if CategoryAllowed(p.Category) {
			res.PostsKept++
		}
	}

	var merged int
	var mergeErr error
	switch pipeline {
	case PipelineTrends:
		buckets := BuildTrendBuckets(posts)
		merged, mergeErr = s.mergeTrends(ctx, buckets)
	case PipelineKeywords:
		buckets := BuildKeywordBuckets(posts, s.stop, s.cfg.TopKeywords)
		merged, mergeErr = s.mergeKeywords(ctx, buckets)
	default:
		mergeErr = fmt.Errorf("unknown pipeline %q", pipeline)
	}
	res.BucketsMerged = merged
	if mergeErr != nil {
		// Statuses are already flipped; keep the attempted key set with the
		// run so the batch can be replayed by hand.
		res.Status = RunFailed
		res.Error = mergeErr.Error()
		s.finishRun(ctx, runID, res, urls)
		log.Printf("%s merge failed for %d posts: %v", pipeline, len(urls), mergeErr)
		return res, fmt.Errorf("%s merge: %w", pipeline, mergeErr)
	}

	res.Status = RunOK
	s.finishRun(ctx, runID, res, nil)
	log.Printf("%s run: read=%d kept=%d excluded=%d buckets_merged=%d duration_ms=%d",
		pipeline, res.PostsRead, res.PostsKept, res.PostsRead-res.PostsKept, merged,
		time.Since(res.StartedAt).Milliseconds())
	return res, nil
}

func (s *Service) loadPending(ctx context.Context, pipeline Pipeline, daysBack int) ([]PostRecord, error) {
	statusCol, err := statusColumn(pipeline)
	if err != nil {
		return nil, err
	}

	var query string
	if pipeline == PipelineTrends {
		query = `SELECT p.post_url, p.post_day,
       COALESCE(c.label_predominant, 'other') AS cat,
       e.anger, e.disgust, e.fear, e.joy, e.surprise,
       t.toxic, t.severe_toxic, t.obscene, t.threat, t.insult, t.identity_hate
FROM posts p
LEFT JOIN post_categories c ON c.post_url = p.post_url
LEFT JOIN post_emotion e ON e.post_url = p.post_url
LEFT JOIN post_toxicity t ON t.post_url = p.post_url
WHERE p.` + statusCol + ` = ?`
	} else {
		query = `SELECT p.post_url, p.post_day,
       COALESCE(c.label_predominant, 'other') AS cat,
       p.content
FROM posts p
LEFT JOIN post_categories c ON c.post_url = p.post_url
WHERE p.` + statusCol + ` = ?`
	}

	args := []interface{}{string(StatusPending)}
	if daysBack > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -daysBack).Format(dateLayout)
		query += ` AND p.post_day >= ?`
		args = append(args, cutoff)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PostRecord
	for rows.Next() {
		var rec PostRecord
		if pipeline == PipelineTrends {
			var scores [MetricCount]sql.NullFloat64
			dest := []interface{}{&rec.URL, &rec.Day, &rec.Category}
			for i := range scores {
				dest = append(dest, &scores[i])
			}
			if err := rows.Scan(dest...); err != nil {
				return nil, err
			}
			for i, v := range scores {
				if v.Valid {
					f := v.Float64
					rec.Scores[i] = &f
				}
			}
		} else {
			var content sql.NullString
			if err := rows.Scan(&rec.URL, &rec.Day, &rec.Category, &content); err != nil {
				return nil, err
			}
			rec.Content = content.String
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// markDone flips the pipeline status of the given posts to ok in a single
// transaction, so a failure partway leaves the ledger untouched.
func (s *Service) markDone(ctx context.Context, pipeline Pipeline, urls []string) error {
	statusCol, err := statusColumn(pipeline)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const chunkSize = 500
	for start := 0; start < len(urls); start += chunkSize {
		end := start + chunkSize
		if end > len(urls) {
			end = len(urls)
		}
		chunk := urls[start:end]
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]interface{}, 0, len(chunk)+1)
		args = append(args, string(StatusOK))
		for _, u := range chunk {
			args = append(args, u)
		}
		query := `UPDATE posts SET ` + statusCol + ` = ?, updated_at = CURRENT_TIMESTAMP WHERE post_url IN (` + placeholders + `)`
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Service) mergeTrends(ctx context.Context, buckets []TrendBucket) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	selectQ := `SELECT post_occurrence,
       mean_anger, mean_disgust, mean_fear, mean_joy, mean_surprise,
       mean_toxic, mean_severe_toxic, mean_obscene, mean_threat, mean_insult, mean_hate
FROM trends_results WHERE post_date = ? AND categorie = ?`

	upsertQ := `INSERT INTO trends_results (
  post_date, categorie, post_occurrence,
  mean_anger, mean_disgust, mean_fear, mean_joy, mean_surprise,
  mean_toxic, mean_severe_toxic, mean_obscene, mean_threat, mean_insult, mean_hate,
  updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(post_date, categorie) DO UPDATE SET
  post_occurrence=excluded.post_occurrence,
  mean_anger=excluded.mean_anger,
  mean_disgust=excluded.mean_disgust,
  mean_fear=excluded.mean_fear,
  mean_joy=excluded.mean_joy,
  mean_surprise=excluded.mean_surprise,
  mean_toxic=excluded.mean_toxic,
  mean_severe_toxic=excluded.mean_severe_toxic,
  mean_obscene=excluded.mean_obscene,
  mean_threat=excluded.mean_threat,
  mean_insult=excluded.mean_insult,
  mean_hate=excluded.mean_hate,
  updated_at=CURRENT_TIMESTAMP`

	merged := 0
	for _, b := range buckets {
		row := tx.QueryRowContext(ctx, selectQ, b.Day, b.Category)
		var oldCount int
		var oldMeans [MetricCount]sql.NullFloat64
		dest := []interface{}{&oldCount}
		for i := range oldMeans {
			dest = append(dest, &oldMeans[i])
		}
		final := b
		switch err := row.Scan(dest...); err {
		case nil:
			old := TrendBucket{Day: b.Day, Category: b.Category, Count: oldCount}
			for i, v := range oldMeans {
				if v.Valid {
					f := v.Float64
					old.Means[i] = &f
				}
			}
			final = MergeTrend(old, b)
		case sql.ErrNoRows:
			// first sight of this key, insert as-is
		default:
			return merged, err
		}

		args := []interface{}{final.Day, final.Category, final.Count}
		for i := 0; i < MetricCount; i++ {
			args = append(args, nullableFloat(final.Means[i]))
		}
		if _, err := tx.ExecContext(ctx, upsertQ, args...); err != nil {
			return merged, err
		}
		merged++
	}
	return merged, tx.Commit()
}

func (s *Service) mergeKeywords(ctx context.Context, buckets []KeywordBucket) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	selectQ := `SELECT occurrence, ranking FROM keywords_results
WHERE post_date = ? AND categorie = ? AND keyword = ?`

	upsertQ := `INSERT INTO keywords_results (post_date, categorie, keyword, ranking, occurrence, updated_at)
VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(post_date, categorie, keyword) DO UPDATE SET
  ranking=excluded.ranking,
  occurrence=excluded.occurrence,
  updated_at=CURRENT_TIMESTAMP`

	merged := 0
	for _, b := range buckets {
		row := tx.QueryRowContext(ctx, selectQ, b.Day, b.Category, b.Keyword)
		var oldOcc, oldRank int
		final := b
		switch err := row.Scan(&oldOcc, &oldRank); err {
		case nil:
			old := KeywordBucket{Day: b.Day, Category: b.Category, Keyword: b.Keyword, Occurrence: oldOcc, Rank: oldRank}
			final = MergeKeyword(old, b)
		case sql.ErrNoRows:
		default:
			return merged, err
		}
		if _, err := tx.ExecContext(ctx, upsertQ, final.Day, final.Category, final.Keyword, final.Rank, final.Occurrence); err != nil {
			return merged, err
		}
		merged++
	}
	return merged, tx.Commit()
}

func (s *Service) startRun(ctx context.Context, pipeline Pipeline) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO aggregation_runs (id, pipeline, status, started_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)`,
		id, string(pipeline), RunRunning)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Service) finishRun(ctx context.Context, runID string, res RunResult, attemptedURLs []string) {
	if runID == "" {
		return
	}
	var attempted interface{}
	if len(attemptedURLs) > 0 {
		if b, err := json.Marshal(attemptedURLs); err == nil {
			attempted = string(b)
		}
	}
	_, err := s.db.ExecContext(ctx, `UPDATE aggregation_runs
SET status=?, posts_read=?, posts_kept=?, buckets_merged=?, error=?, attempted_keys=?, finished_at=CURRENT_TIMESTAMP
WHERE id=?`,
		res.Status, res.PostsRead, res.PostsKept, res.BucketsMerged,
		truncateError(res.Error), attempted, runID)
	if err != nil {
		log.Printf("%s run update failed: %v", res.Pipeline, err)
	}
}

func statusColumn(pipeline Pipeline) (string, error) {
	switch pipeline {
	case PipelineTrends:
		return "trend_status", nil
	case PipelineKeywords:
		return "keyword_status", nil
	}
	return "", fmt.Errorf("unknown pipeline %q", pipeline)
}

func distinctURLs(posts []PostRecord) []string {
	seen := make(map[string]struct{}, len(posts))
	out := make([]string, 0, len(posts))
	for _, p := range posts {
		if _, ok := seen[p.URL]; ok {
			continue
		}
		seen[p.URL] = struct{}{}
		out = append(out, p.URL)
	}
	sort.Strings(out)
	return out
}

func truncateError(msg string) string {
	msg = strings.TrimSpace(msg)
	if len(msg) > 240 {
		return msg[:240]
	}
	return msg
}

func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
