// Command aggregate runs both aggregation pipelines once and exits.
// Meant for cron or manual catch-up outside the long-running server.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/JohnDataAnalyst/pigmalion-v06/aggregate"
	"github.com/JohnDataAnalyst/pigmalion-v06/config"
	"github.com/JohnDataAnalyst/pigmalion-v06/internal/store"
)

func main() {
	daysBack := flag.Int("days-back", -1, "limit runs to posts from the last N days (0 = no window, -1 = configured default)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *daysBack < 0 {
		*daysBack = cfg.Aggregate.LookbackDays
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("store: %v", err)
	}

	stop := aggregate.DefaultStopwords()
	if cfg.StopwordsPath != "" {
		if loaded, err := aggregate.LoadStopwords(cfg.StopwordsPath); err == nil {
			stop = loaded
		} else {
			log.Printf("stopwords path=%s err=%v (using defaults)", cfg.StopwordsPath, err)
		}
	}
	svc := aggregate.NewService(st.DB(), cfg.Aggregate, stop)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	exitCode := 0
	if res, err := svc.RunTrends(ctx, *daysBack); err != nil {
		log.Printf("pipeline=trends run=%s err=%v", res.RunID, err)
		exitCode = 1
	}
	if res, err := svc.RunKeywords(ctx, *daysBack); err != nil {
		log.Printf("pipeline=keywords run=%s err=%v", res.RunID, err)
		exitCode = 1
	}
	os.Exit(exitCode)
}
