package ingest

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/JohnDataAnalyst/pigmalion-v06/internal/store"
	"github.com/JohnDataAnalyst/pigmalion-v06/queue"
)

// FileCandidate is one spool file considered for backfill.
type FileCandidate struct {
	Name    string
	Path    string
	ModTime time.Time
}

// BackfillSummary captures a backfill pass over the spool directory.
type BackfillSummary struct {
	TotalCandidates  int `json:"total"`
	AlreadyLoaded    int `json:"already_loaded"`
	Selected         int `json:"selected"`
	EnqueueSucceeded int `json:"enqueued"`
	EnqueueDropped   int `json:"dropped_full"`
}

// SelectPending returns up to limit spool files, newest first, that have
// not been loaded yet, along with a summary of the candidate set.
func SelectPending(files []FileCandidate, loaded map[string]bool, limit int) ([]FileCandidate, BackfillSummary) {
	sort.Slice(files, func(i, j int) bool {
		return files[i].ModTime.After(files[j].ModTime)
	})

	summary := BackfillSummary{TotalCandidates: len(files)}
	pending := make([]FileCandidate, 0, len(files))
	for _, f := range files {
		if loaded[f.Name] {
			summary.AlreadyLoaded++
			continue
		}
		pending = append(pending, f)
	}
	if limit > 0 && limit < len(pending) {
		pending = pending[:limit]
	}
	summary.Selected = len(pending)
	return pending, summary
}

// ListSpoolFiles scans dir for spool files.
func ListSpoolFiles(dir string) ([]FileCandidate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []FileCandidate
	for _, entry := range entries {
		if entry.IsDir() || !IsSpoolFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, FileCandidate{
			Name:    entry.Name(),
			Path:    filepath.Join(dir, entry.Name()),
			ModTime: info.ModTime(),
		})
	}
	return out, nil
}

// IsSpoolFile reports whether a filename looks like a spool batch.
func IsSpoolFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".jsonl" || ext == ".ndjson"
}

// Backfill scans the spool directory for files not yet loaded and
// enqueues them. It runs asynchronously and logs a summary when done.
func Backfill(ctx context.Context, st *store.Store, q *queue.Queue, loader *Loader, dir string, limit int) {
	go func() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		files, err := ListSpoolFiles(dir)
		if err != nil {
			log.Printf("backfill list failed: %v", err)
			return
		}

		known := make(map[string]bool, len(files))
		for _, f := range files {
			loaded, err := st.SpoolFileLoaded(ctx, f.Name)
			if err != nil {
				log.Printf("backfill lookup %s: %v", f.Name, err)
				continue
			}
			known[f.Name] = loaded
		}

		selected, summary := SelectPending(files, known, limit)
		for _, f := range selected {
			path := f.Path
			ok := q.Enqueue(queue.Task{
				ID:     f.Name,
				Source: "backfill",
				Run: func(taskCtx context.Context) error {
					_, err := loader.LoadFile(taskCtx, path)
					return err
				},
			})
			if ok {
				summary.EnqueueSucceeded++
			} else {
				summary.EnqueueDropped++
			}
		}

		log.Printf("backfill summary: total=%d already_loaded=%d selected=%d enqueued=%d dropped_full=%d",
			summary.TotalCandidates, summary.AlreadyLoaded, summary.Selected,
			summary.EnqueueSucceeded, summary.EnqueueDropped)
	}()
}
