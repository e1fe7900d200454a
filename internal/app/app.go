package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/JohnDataAnalyst/pigmalion-v06/aggregate"
	"github.com/JohnDataAnalyst/pigmalion-v06/config"
	"github.com/JohnDataAnalyst/pigmalion-v06/internal/httpapi"
	"github.com/JohnDataAnalyst/pigmalion-v06/internal/ingest"
	"github.com/JohnDataAnalyst/pigmalion-v06/internal/store"
	"github.com/JohnDataAnalyst/pigmalion-v06/internal/watch"
	"github.com/JohnDataAnalyst/pigmalion-v06/metrics"
	"github.com/JohnDataAnalyst/pigmalion-v06/queue"
)

const taskTimeout = 5 * time.Minute

// App wires the ingest and aggregation plane together.
type App struct {
	cfg     config.Config
	store   *store.Store
	loader  *ingest.Loader
	queue   *queue.Queue
	watcher *watch.Watcher
	svc     *aggregate.Service
	stats   *metrics.Metrics
	handler http.Handler
}

func New(cfg config.Config) (*App, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	stats := metrics.New()
	loader := ingest.NewLoader(st, stats)
	q := queue.New(cfg.QueueSize, cfg.WorkerCount, taskTimeout, stats)
	watcher := watch.New(cfg, q, loader)

	stop := aggregate.DefaultStopwords()
	if cfg.StopwordsPath != "" {
		loaded, err := aggregate.LoadStopwords(cfg.StopwordsPath)
		if err != nil {
			log.Printf("stopwords path=%s err=%v (using defaults)", cfg.StopwordsPath, err)
		} else {
			stop = loaded
		}
	}
	svc := aggregate.NewService(st.DB(), cfg.Aggregate, stop)

	router := httpapi.NewRouter(cfg, st, svc, stats)
	return &App{
		cfg:     cfg,
		store:   st,
		loader:  loader,
		queue:   q,
		watcher: watcher,
		svc:     svc,
		stats:   stats,
		handler: router.Routes(),
	}, nil
}

// Run starts workers, watcher, spool backfill, the refresh ticker, and
// the HTTP server. Blocks until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	a.queue.Start(ctx)
	if err := a.watcher.Start(ctx); err != nil {
		return err
	}
	ingest.Backfill(ctx, a.store, a.queue, a.loader, a.cfg.SpoolDir, 0)
	go a.refreshLoop(ctx)

	addr := a.cfg.HTTPPort
	if !strings.HasPrefix(addr, ":") {
		addr = ":" + addr
	}
	srv := &http.Server{Addr: addr, Handler: a.handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		a.queue.Stop(shutdownCtx)
	}()
	log.Printf("http listening on %s", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// refreshLoop re-runs both pipelines on a fixed interval when
// configured. Interval zero disables the loop; aggregation then only
// happens via POST /ops/aggregate or the one-shot binary.
func (a *App) refreshLoop(ctx context.Context) {
	if a.cfg.Aggregate.RefreshIntervalSec <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(a.cfg.Aggregate.RefreshIntervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.RunAggregation(ctx, a.cfg.Aggregate.LookbackDays)
		}
	}
}

// RunAggregation runs both pipelines back to back. A trends failure
// does not block the keywords run; the last error wins.
func (a *App) RunAggregation(ctx context.Context, daysBack int) error {
	var lastErr error
	if res, err := a.svc.RunTrends(ctx, daysBack); err != nil {
		log.Printf("pipeline=trends run=%s err=%v", res.RunID, err)
		lastErr = err
		a.stats.RecordRun(res.BucketsMerged, err)
	} else {
		a.stats.RecordRun(res.BucketsMerged, nil)
	}
	if res, err := a.svc.RunKeywords(ctx, daysBack); err != nil {
		log.Printf("pipeline=keywords run=%s err=%v", res.RunID, err)
		lastErr = err
		a.stats.RecordRun(res.BucketsMerged, err)
	} else {
		a.stats.RecordRun(res.BucketsMerged, nil)
	}
	return lastErr
}

func (a *App) Store() *store.Store         { return a.store }
func (a *App) Service() *aggregate.Service { return a.svc }
func (a *App) Handler() http.Handler       { return a.handler }
