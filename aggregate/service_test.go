package aggregate_test

import (
	"context"
	"database/sql"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/JohnDataAnalyst/pigmalion-v06/aggregate"
	"github.com/JohnDataAnalyst/pigmalion-v06/config"
	"github.com/JohnDataAnalyst/pigmalion-v06/internal/store"
)

func newTestService(t *testing.T) (*aggregate.Service, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	cfg := config.AggregateConfig{LookbackDays: 25, TopKeywords: 20}
	return aggregate.NewService(st.DB(), cfg, aggregate.DefaultStopwords()), st
}

func fp(v float64) *float64 { return &v }

func seedPost(t *testing.T, st *store.Store, url, day, category, content string, toxic *float64) {
	t.Helper()
	ctx := context.Background()
	postedAt, err := time.Parse("2006-01-02", day)
	if err != nil {
		t.Fatalf("parse day: %v", err)
	}
	err = st.InsertPost(ctx, store.PostRow{
		URL:      url,
		Handle:   "tester.bsky.social",
		PostedAt: postedAt.Add(12 * time.Hour),
		Content:  content,
		Lang:     "en",
		Status:   aggregate.StatusPending,
	})
	if err != nil {
		t.Fatalf("insert post: %v", err)
	}
	if category != "" {
		if err := st.UpsertCategory(ctx, url, category, fp(0.9)); err != nil {
			t.Fatalf("upsert category: %v", err)
		}
	}
	if toxic != nil {
		if err := st.UpsertToxicity(ctx, url, toxic, nil, nil, nil, nil, nil); err != nil {
			t.Fatalf("upsert toxicity: %v", err)
		}
	}
}

func trendRow(t *testing.T, db *sql.DB, day, cat string) (count int, toxic sql.NullFloat64) {
	t.Helper()
	row := db.QueryRow(`SELECT post_occurrence, mean_toxic FROM trends_results WHERE post_date=? AND categorie=?`, day, cat)
	if err := row.Scan(&count, &toxic); err != nil {
		t.Fatalf("trend row %s/%s: %v", day, cat, err)
	}
	return count, toxic
}

func postStatus(t *testing.T, db *sql.DB, url, col string) string {
	t.Helper()
	var status string
	if err := db.QueryRow(`SELECT `+col+` FROM posts WHERE post_url=?`, url).Scan(&status); err != nil {
		t.Fatalf("status %s: %v", url, err)
	}
	return status
}

const today = "2026-08-31"

func TestRunTrendsEndToEnd(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	seedPost(t, st, "p1", today, "sports_gaming", "great match", fp(0.2))
	seedPost(t, st, "p2", today, "sports_gaming", "bad match", fp(0.4))
	seedPost(t, st, "p3", today, "other", "dropped", fp(0.9))

	res, err := svc.RunTrends(ctx, 0)
	if err != nil {
		t.Fatalf("run trends: %v", err)
	}
	if res.Status != aggregate.RunOK {
		t.Fatalf("run status = %s, want ok", res.Status)
	}
	if res.PostsRead != 3 || res.PostsKept != 2 {
		t.Fatalf("read=%d kept=%d, want 3/2", res.PostsRead, res.PostsKept)
	}

	count, toxic := trendRow(t, st.DB(), today, "sports_gaming")
	if count != 2 || math.Abs(toxic.Float64-0.3) > 1e-9 {
		t.Fatalf("sports_gaming row = %d/%f, want 2/0.3", count, toxic.Float64)
	}
	count, _ = trendRow(t, st.DB(), today, aggregate.CategoryAll)
	if count != 2 {
		t.Fatalf("All row count = %d, want 2 (excluded post must not count)", count)
	}

	// all posts flipped, including the dropped one; keyword status untouched
	for _, url := range []string{"p1", "p2", "p3"} {
		if got := postStatus(t, st.DB(), url, "trend_status"); got != "ok" {
			t.Fatalf("%s trend_status = %s, want ok", url, got)
		}
		if got := postStatus(t, st.DB(), url, "keyword_status"); got != "pending" {
			t.Fatalf("%s keyword_status = %s, want pending", url, got)
		}
	}
}

func TestRunTrendsIncrementalMerge(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	seedPost(t, st, "p1", today, "family", "one", fp(0.2))
	if _, err := svc.RunTrends(ctx, 0); err != nil {
		t.Fatalf("first run: %v", err)
	}
	seedPost(t, st, "p2", today, "family", "two", fp(0.8))
	if _, err := svc.RunTrends(ctx, 0); err != nil {
		t.Fatalf("second run: %v", err)
	}

	count, toxic := trendRow(t, st.DB(), today, "family")
	if count != 2 {
		t.Fatalf("count = %d, want 2 after incremental merge", count)
	}
	if math.Abs(toxic.Float64-0.5) > 1e-9 {
		t.Fatalf("merged mean = %f, want 0.5", toxic.Float64)
	}
}

func TestRunTrendsNoop(t *testing.T) {
	svc, st := newTestService(t)
	res, err := svc.RunTrends(context.Background(), 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != aggregate.RunNoop || res.PostsRead != 0 {
		t.Fatalf("empty run = %+v, want noop", res)
	}
	var n int
	if err := st.DB().QueryRow(`SELECT COUNT(*) FROM trends_results`).Scan(&n); err != nil || n != 0 {
		t.Fatalf("trends_results rows = %d err=%v, want 0", n, err)
	}
}

func TestRunTrendsRerunIsIdempotent(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	seedPost(t, st, "p1", today, "family", "one", fp(0.2))
	if _, err := svc.RunTrends(ctx, 0); err != nil {
		t.Fatalf("first run: %v", err)
	}
	res, err := svc.RunTrends(ctx, 0)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Status != aggregate.RunNoop {
		t.Fatalf("second run status = %s, want noop", res.Status)
	}
	count, _ := trendRow(t, st.DB(), today, "family")
	if count != 1 {
		t.Fatalf("count = %d after rerun, want 1 (no double counting)", count)
	}
}

func TestRunTrendsLookbackWindow(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	oldDay := time.Now().UTC().AddDate(0, 0, -40).Format("2006-01-02")
	recentDay := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	seedPost(t, st, "old", oldDay, "family", "ancient", fp(0.1))
	seedPost(t, st, "new", recentDay, "family", "fresh", fp(0.9))

	res, err := svc.RunTrends(ctx, 25)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.PostsRead != 1 {
		t.Fatalf("read = %d, want 1 inside the window", res.PostsRead)
	}
	if got := postStatus(t, st.DB(), "old", "trend_status"); got != "pending" {
		t.Fatalf("out-of-window post flipped to %s", got)
	}

	// an unbounded run later still picks the old post up
	res, err = svc.RunTrends(ctx, 0)
	if err != nil {
		t.Fatalf("unbounded run: %v", err)
	}
	if res.PostsRead != 1 {
		t.Fatalf("unbounded read = %d, want the out-of-window post", res.PostsRead)
	}
}

func TestRunTrendsMergeFailureKeepsStatusFlipped(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	seedPost(t, st, "p1", today, "family", "doomed", fp(0.5))
	if _, err := st.DB().Exec(`DROP TABLE trends_results`); err != nil {
		t.Fatalf("drop: %v", err)
	}

	res, err := svc.RunTrends(ctx, 0)
	if err == nil {
		t.Fatalf("expected merge failure")
	}
	if res.Status != aggregate.RunFailed {
		t.Fatalf("run status = %s, want failed", res.Status)
	}
	// flipped before the merge: the batch is lost, never double counted
	if got := postStatus(t, st.DB(), "p1", "trend_status"); got != "ok" {
		t.Fatalf("trend_status = %s, want ok despite merge failure", got)
	}

	var attempted sql.NullString
	row := st.DB().QueryRow(`SELECT attempted_keys FROM aggregation_runs WHERE id=?`, res.RunID)
	if err := row.Scan(&attempted); err != nil {
		t.Fatalf("run row: %v", err)
	}
	if !attempted.Valid || attempted.String == "" {
		t.Fatalf("failed run must record the attempted key set")
	}
}

func TestRunKeywordsEndToEnd(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	seedPost(t, st, "p1", today, "sports_gaming", "the match tonight was a great match", nil)
	seedPost(t, st, "p2", today, "sports_gaming", "match highlights", nil)

	res, err := svc.RunKeywords(ctx, 0)
	if err != nil {
		t.Fatalf("run keywords: %v", err)
	}
	if res.Status != aggregate.RunOK {
		t.Fatalf("status = %s", res.Status)
	}

	var occ, rank int
	row := st.DB().QueryRow(`SELECT occurrence, ranking FROM keywords_results
        WHERE post_date=? AND categorie=? AND keyword=?`, today, "sports_gaming", "match")
	if err := row.Scan(&occ, &rank); err != nil {
		t.Fatalf("keyword row: %v", err)
	}
	if occ != 3 || rank != 1 {
		t.Fatalf("match = occ %d rank %d, want 3/1", occ, rank)
	}

	// trend pipeline queue untouched
	if got := postStatus(t, st.DB(), "p1", "trend_status"); got != "pending" {
		t.Fatalf("trend_status = %s, want pending after keyword run", got)
	}

	// occurrences accumulate across runs
	seedPost(t, st, "p3", today, "sports_gaming", "another match", nil)
	if _, err := svc.RunKeywords(ctx, 0); err != nil {
		t.Fatalf("second run: %v", err)
	}
	row = st.DB().QueryRow(`SELECT occurrence FROM keywords_results
        WHERE post_date=? AND categorie=? AND keyword=?`, today, "sports_gaming", "match")
	if err := row.Scan(&occ); err != nil {
		t.Fatalf("merged keyword row: %v", err)
	}
	if occ != 4 {
		t.Fatalf("merged occurrence = %d, want 4", occ)
	}
}

func TestRunRecordsLedger(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	seedPost(t, st, "p1", today, "family", "hello world", fp(0.1))
	res, err := svc.RunTrends(ctx, 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var pipeline, status string
	var read, kept, merged int
	row := st.DB().QueryRow(`SELECT pipeline, status, posts_read, posts_kept, buckets_merged
        FROM aggregation_runs WHERE id=?`, res.RunID)
	if err := row.Scan(&pipeline, &status, &read, &kept, &merged); err != nil {
		t.Fatalf("ledger row: %v", err)
	}
	if pipeline != "trends" || status != "ok" || read != 1 || kept != 1 || merged != 2 {
		t.Fatalf("ledger = %s/%s read=%d kept=%d merged=%d", pipeline, status, read, kept, merged)
	}
}

func TestRunTrendsThreePostScenario(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	day := "2024-01-01"
	seedPost(t, st, "s1", day, "science_technology", "one", fp(0.1))
	seedPost(t, st, "s2", day, "science_technology", "two", fp(0.3))
	seedPost(t, st, "f1", day, "family", "three", nil)

	if _, err := svc.RunTrends(ctx, 0); err != nil {
		t.Fatalf("run: %v", err)
	}

	count, toxic := trendRow(t, st.DB(), day, "science_technology")
	if count != 2 || math.Abs(toxic.Float64-0.2) > 1e-9 {
		t.Fatalf("science_technology = %d/%f, want 2/0.2", count, toxic.Float64)
	}
	count, toxic = trendRow(t, st.DB(), day, "family")
	if count != 1 || toxic.Valid {
		t.Fatalf("family = %d/valid=%v, want 1 with NULL mean", count, toxic.Valid)
	}
	count, toxic = trendRow(t, st.DB(), day, aggregate.CategoryAll)
	if count != 3 || math.Abs(toxic.Float64-0.2) > 1e-9 {
		t.Fatalf("All = %d/%f, want 3/0.2 (null excluded from mean, counted in occurrence)", count, toxic.Float64)
	}
}

func TestPostWithoutCategoryIsExcluded(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	// no category enrichment at all: extraction coalesces to "other"
	seedPost(t, st, "p1", today, "", "uncategorized", fp(0.5))

	res, err := svc.RunTrends(ctx, 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.PostsRead != 1 || res.PostsKept != 0 {
		t.Fatalf("read=%d kept=%d, want 1/0", res.PostsRead, res.PostsKept)
	}
	var n int
	if err := st.DB().QueryRow(`SELECT COUNT(*) FROM trends_results`).Scan(&n); err != nil || n != 0 {
		t.Fatalf("trends_results rows = %d err=%v, want 0", n, err)
	}
	if got := postStatus(t, st.DB(), "p1", "trend_status"); got != "ok" {
		t.Fatalf("excluded post status = %s, want consumed", got)
	}
}
