package watch

import (
	"context"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/JohnDataAnalyst/pigmalion-v06/config"
	"github.com/JohnDataAnalyst/pigmalion-v06/internal/ingest"
	"github.com/JohnDataAnalyst/pigmalion-v06/queue"
)

// Watcher monitors the spool directory for new batch files from the
// scraper collaborator and enqueues ingest tasks.
type Watcher struct {
	cfg    config.Config
	queue  *queue.Queue
	loader *ingest.Loader
}

func New(cfg config.Config, q *queue.Queue, loader *ingest.Loader) *Watcher {
	return &Watcher{cfg: cfg, queue: q, loader: loader}
}

func (w *Watcher) Start(ctx context.Context) error {
	if !w.cfg.EnableWatcher {
		log.Println("watcher disabled")
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-watcher.Events:
				if evt.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if !ingest.IsSpoolFile(evt.Name) {
					continue
				}
				path := evt.Name
				name := filepath.Base(path)
				_ = w.queue.Enqueue(queue.Task{
					ID:     name,
					Source: "watcher",
					Run: func(taskCtx context.Context) error {
						_, err := w.loader.LoadFile(taskCtx, path)
						return err
					},
				})
			case err := <-watcher.Errors:
				log.Printf("watcher error: %v", err)
			}
		}
	}()
	return watcher.Add(w.cfg.SpoolDir)
}
