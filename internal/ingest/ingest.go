package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/JohnDataAnalyst/pigmalion-v06/aggregate"
	"github.com/JohnDataAnalyst/pigmalion-v06/internal/store"
	"github.com/JohnDataAnalyst/pigmalion-v06/metrics"
)

// Record is one line of a spool file: a scraped post plus whatever
// enrichment the upstream classifiers had produced by scrape time. Score
// blocks are optional; absent blocks simply leave the enrichment tables
// untouched, and the record still counts toward occurrence statistics.
type Record struct {
	URL      string          `json:"url"`
	DID      string          `json:"did"`
	Handle   string          `json:"handle"`
	PostedAt time.Time       `json:"posted_at"`
	Content  string          `json:"content"`
	Lang     string          `json:"lang"`
	Category *CategoryScore  `json:"category,omitempty"`
	Emotion  *EmotionScores  `json:"emotion,omitempty"`
	Toxicity *ToxicityScores `json:"toxicity,omitempty"`
}

type CategoryScore struct {
	Label string   `json:"label"`
	Score *float64 `json:"score,omitempty"`
}

type EmotionScores struct {
	Anger    *float64 `json:"anger,omitempty"`
	Disgust  *float64 `json:"disgust,omitempty"`
	Fear     *float64 `json:"fear,omitempty"`
	Joy      *float64 `json:"joy,omitempty"`
	Surprise *float64 `json:"surprise,omitempty"`
}

type ToxicityScores struct {
	Toxic        *float64 `json:"toxic,omitempty"`
	SevereToxic  *float64 `json:"severe_toxic,omitempty"`
	Obscene      *float64 `json:"obscene,omitempty"`
	Threat       *float64 `json:"threat,omitempty"`
	Insult       *float64 `json:"insult,omitempty"`
	IdentityHate *float64 `json:"identity_hate,omitempty"`
}

// Summary captures one spool file load.
type Summary struct {
	File    string `json:"file"`
	Records int    `json:"records"`
	Loaded  int    `json:"loaded"`
	Invalid int    `json:"invalid"`
	Skipped bool   `json:"skipped"`
}

// Loader parses spool files and writes posts plus enrichment rows.
type Loader struct {
	store *store.Store
	stats *metrics.Metrics
}

func NewLoader(st *store.Store, stats *metrics.Metrics) *Loader {
	if stats == nil {
		stats = metrics.New()
	}
	return &Loader{store: st, stats: stats}
}

// LoadFile ingests one JSONL spool file. Files already recorded in
// spool_files are skipped so re-delivered files never reset statuses.
// Malformed lines are counted and skipped; records with a URL but no
// usable content or timestamp are stored as invalid so the pipelines
// never pick them up.
func (l *Loader) LoadFile(ctx context.Context, path string) (Summary, error) {
	name := filepath.Base(path)
	sum := Summary{File: name}

	loaded, err := l.store.SpoolFileLoaded(ctx, name)
	if err != nil {
		return sum, fmt.Errorf("spool lookup %s: %w", name, err)
	}
	if loaded {
		sum.Skipped = true
		return sum, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return sum, fmt.Errorf("open spool %s: %w", name, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		sum.Records++
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			sum.Invalid++
			continue
		}
		if rec.URL == "" {
			sum.Invalid++
			continue
		}
		if err := l.loadRecord(ctx, rec, &sum); err != nil {
			return sum, fmt.Errorf("load record %s: %w", rec.URL, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return sum, fmt.Errorf("read spool %s: %w", name, err)
	}

	if err := l.store.RecordSpoolFile(ctx, name, sum.Loaded, sum.Invalid); err != nil {
		return sum, fmt.Errorf("record spool %s: %w", name, err)
	}
	l.stats.RecordIngest(sum.Loaded, sum.Invalid)
	log.Printf("ingest file=%s records=%d loaded=%d invalid=%d", name, sum.Records, sum.Loaded, sum.Invalid)
	return sum, nil
}

func (l *Loader) loadRecord(ctx context.Context, rec Record, sum *Summary) error {
	status := aggregate.StatusPending
	if rec.Content == "" || rec.PostedAt.IsZero() {
		status = aggregate.StatusInvalid
		sum.Invalid++
	} else {
		sum.Loaded++
	}

	postedAt := rec.PostedAt
	if postedAt.IsZero() {
		postedAt = time.Now().UTC()
	}
	if err := l.store.InsertPost(ctx, store.PostRow{
		URL:      rec.URL,
		DID:      rec.DID,
		Handle:   rec.Handle,
		PostedAt: postedAt,
		Content:  rec.Content,
		Lang:     rec.Lang,
		Status:   status,
	}); err != nil {
		return err
	}

	if rec.Category != nil && rec.Category.Label != "" {
		if err := l.store.UpsertCategory(ctx, rec.URL, rec.Category.Label, rec.Category.Score); err != nil {
			return err
		}
	}
	if e := rec.Emotion; e != nil {
		if err := l.store.UpsertEmotion(ctx, rec.URL, e.Anger, e.Disgust, e.Fear, e.Joy, e.Surprise); err != nil {
			return err
		}
	}
	if t := rec.Toxicity; t != nil {
		if err := l.store.UpsertToxicity(ctx, rec.URL, t.Toxic, t.SevereToxic, t.Obscene, t.Threat, t.Insult, t.IdentityHate); err != nil {
			return err
		}
	}
	return nil
}
