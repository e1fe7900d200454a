package aggregate

import "time"

// Status tracks whether a pipeline has consumed a post. Each pipeline has
// its own status column on the posts table so one pipeline's progress never
// touches the other's queue.
type Status string

const (
	StatusPending Status = "pending"
	StatusOK      Status = "ok"
	StatusInvalid Status = "invalid"
)

// Valid reports whether s is one of the closed status set.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusOK, StatusInvalid:
		return true
	}
	return false
}

// Pipeline identifies an aggregation consumer of the posts table.
type Pipeline string

const (
	PipelineTrends   Pipeline = "trends"
	PipelineKeywords Pipeline = "keywords"
)

// Metric indexes into a score vector. Order matches the columns of
// post_emotion and post_toxicity.
const (
	MetricAnger = iota
	MetricDisgust
	MetricFear
	MetricJoy
	MetricSurprise
	MetricToxic
	MetricSevereToxic
	MetricObscene
	MetricThreat
	MetricInsult
	MetricHate
	MetricCount
)

var metricNames = [MetricCount]string{
	"anger", "disgust", "fear", "joy", "surprise",
	"toxic", "severe_toxic", "obscene", "threat", "insult", "hate",
}

// MetricName returns the column-level name for a metric index.
func MetricName(i int) string { return metricNames[i] }

// ScoreVector holds per-metric model outputs. nil means the enrichment is
// absent for that metric; absent scores are dropped before averaging, never
// coerced to zero.
type ScoreVector [MetricCount]*float64

// PostRecord is one extracted, enriched source record. Day is the bucket
// date in YYYY-MM-DD form; Category is the predominant label or "other"
// when the category enrichment is missing.
type PostRecord struct {
	URL      string
	Day      string
	Category string
	Content  string
	Scores   ScoreVector
}

// TrendBucket accumulates occurrence and per-metric means for one
// (day, category) cell. A nil mean marks a metric with zero non-null
// samples.
type TrendBucket struct {
	Day      string
	Category string
	Count    int
	Means    ScoreVector
}

// KeywordBucket counts one token within a (day, category) group. Rank is
// 1-based by descending occurrence within the group.
type KeywordBucket struct {
	Day        string
	Category   string
	Keyword    string
	Occurrence int
	Rank       int
}

// Run statuses recorded in aggregation_runs.
const (
	RunRunning = "running"
	RunOK      = "ok"
	RunNoop    = "noop"
	RunFailed  = "failed"
)

// RunResult summarizes one pipeline invocation.
type RunResult struct {
	RunID         string
	Pipeline      Pipeline
	Status        string
	PostsRead     int
	PostsKept     int
	BucketsMerged int
	StartedAt     time.Time
	Error         string
}
