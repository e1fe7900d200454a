package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JohnDataAnalyst/pigmalion-v06/aggregate"
	"github.com/JohnDataAnalyst/pigmalion-v06/config"
	"github.com/JohnDataAnalyst/pigmalion-v06/internal/store"
	"github.com/JohnDataAnalyst/pigmalion-v06/metrics"
)

// Router serves the read API over the aggregated tables plus the /ops
// surface. Handlers are pure projections; no aggregation logic lives
// here.
type Router struct {
	cfg   config.Config
	store *store.Store
	svc   *aggregate.Service
	stats *metrics.Metrics
}

func NewRouter(cfg config.Config, st *store.Store, svc *aggregate.Service, stats *metrics.Metrics) *Router {
	if stats == nil {
		stats = metrics.New()
	}
	return &Router{cfg: cfg, store: st, svc: svc, stats: stats}
}

// Routes builds the chi router.
func (rt *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Get("/trends/stats", rt.trendStats)
		r.Get("/trends/emotion", rt.trendEmotion)
		r.Get("/trends/count", rt.postCount)
		r.Get("/keywords", rt.keywords)
		r.Get("/post-count", rt.postCount)
		r.Get("/categories", rt.categories)
	})
	r.Route("/ops", func(r chi.Router) {
		r.Get("/health", rt.health)
		r.Get("/status", rt.status)
		r.Get("/runs", rt.runs)
		r.Post("/aggregate", rt.aggregateNow)
	})
	return r
}

// filterFromRequest maps the query surface onto a results filter.
// Explicit start_date/end_date win over the period shorthand.
func filterFromRequest(req *http.Request) store.ResultsFilter {
	q := req.URL.Query()
	f := store.ResultsFilter{
		Category:  q.Get("category"),
		StartDate: q.Get("start_date"),
		EndDate:   q.Get("end_date"),
	}
	if f.StartDate != "" || f.EndDate != "" {
		return f
	}
	today := time.Now().UTC().Format("2006-01-02")
	switch q.Get("period") {
	case "today":
		f.StartDate = today
		f.EndDate = today
	case "week":
		f.StartDate = time.Now().UTC().AddDate(0, 0, -6).Format("2006-01-02")
		f.EndDate = today
	}
	return f
}

func (rt *Router) trendStats(w http.ResponseWriter, req *http.Request) {
	stats, err := rt.store.TrendToxicityStats(req.Context(), filterFromRequest(req))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, stats)
}

func (rt *Router) trendEmotion(w http.ResponseWriter, req *http.Request) {
	scores, err := rt.store.TrendEmotionStats(req.Context(), filterFromRequest(req))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, scores)
}

func (rt *Router) postCount(w http.ResponseWriter, req *http.Request) {
	count, err := rt.store.PostCount(req.Context(), filterFromRequest(req))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, map[string]int{"count": count})
}

func (rt *Router) keywords(w http.ResponseWriter, req *http.Request) {
	limit := 0
	if v := req.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	list, err := rt.store.TopKeywords(req.Context(), filterFromRequest(req), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []store.KeywordCount{}
	}
	respondJSON(w, list)
}

func (rt *Router) categories(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, map[string]any{
		"categories": aggregate.AllowedCategories(),
		"all":        aggregate.CategoryAll,
	})
}

func (rt *Router) health(w http.ResponseWriter, req *http.Request) {
	if err := rt.store.Health(req.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) status(w http.ResponseWriter, req *http.Request) {
	runs, _ := rt.store.ListRuns(req.Context(), 10)
	respondJSON(w, map[string]any{
		"metrics": rt.stats.Snapshot(),
		"runs":    runs,
	})
}

func (rt *Router) runs(w http.ResponseWriter, req *http.Request) {
	runs, err := rt.store.ListRuns(req.Context(), 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	respondJSON(w, runs)
}

// aggregateNow triggers the requested pipeline(s) synchronously.
func (rt *Router) aggregateNow(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Pipeline string `json:"pipeline"`
		DaysBack *int   `json:"days_back"`
	}
	if req.Body != nil {
		_ = json.NewDecoder(req.Body).Decode(&body)
	}
	daysBack := rt.cfg.Aggregate.LookbackDays
	if body.DaysBack != nil {
		if *body.DaysBack < 0 {
			http.Error(w, "days_back must be non-negative", http.StatusBadRequest)
			return
		}
		daysBack = *body.DaysBack
	}

	var results []aggregate.RunResult
	runPipeline := func(p aggregate.Pipeline) error {
		var res aggregate.RunResult
		var err error
		switch p {
		case aggregate.PipelineTrends:
			res, err = rt.svc.RunTrends(req.Context(), daysBack)
		case aggregate.PipelineKeywords:
			res, err = rt.svc.RunKeywords(req.Context(), daysBack)
		}
		rt.stats.RecordRun(res.BucketsMerged, err)
		results = append(results, res)
		return err
	}

	var failed bool
	switch body.Pipeline {
	case "", "all":
		if err := runPipeline(aggregate.PipelineTrends); err != nil {
			failed = true
		}
		if err := runPipeline(aggregate.PipelineKeywords); err != nil {
			failed = true
		}
	case string(aggregate.PipelineTrends):
		failed = runPipeline(aggregate.PipelineTrends) != nil
	case string(aggregate.PipelineKeywords):
		failed = runPipeline(aggregate.PipelineKeywords) != nil
	default:
		http.Error(w, "unknown pipeline", http.StatusBadRequest)
		return
	}

	if failed {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(results)
		return
	}
	respondJSON(w, results)
}

func respondJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("write json: %v", err)
	}
}
