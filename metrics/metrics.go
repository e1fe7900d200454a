package metrics

import "sync/atomic"

// Metrics captures shared operational stats for ingest and aggregation.
type Metrics struct {
	queueLength   int64
	queueCapacity int64
	workerCount   int64

	spoolFiles     int64
	postsIngested  int64
	invalidRecords int64

	runsSucceeded int64
	runsFailed    int64
	bucketsMerged int64
}

// Snapshot provides a consistent view of the current metrics.
type Snapshot struct {
	QueueLength    int   `json:"queue_length"`
	QueueCapacity  int   `json:"queue_capacity"`
	WorkerCount    int   `json:"worker_count"`
	SpoolFiles     int64 `json:"spool_files_loaded"`
	PostsIngested  int64 `json:"posts_ingested"`
	InvalidRecords int64 `json:"invalid_records"`
	RunsSucceeded  int64 `json:"runs_succeeded"`
	RunsFailed     int64 `json:"runs_failed"`
	BucketsMerged  int64 `json:"buckets_merged"`
}

// New creates a zeroed Metrics instance.
func New() *Metrics {
	return &Metrics{}
}

// UpdateQueue records the current queue stats.
func (m *Metrics) UpdateQueue(length, capacity, workers int) {
	atomic.StoreInt64(&m.queueLength, int64(length))
	atomic.StoreInt64(&m.queueCapacity, int64(capacity))
	atomic.StoreInt64(&m.workerCount, int64(workers))
}

// RecordIngest accumulates counters from one spool file load.
func (m *Metrics) RecordIngest(posts, invalid int) {
	atomic.AddInt64(&m.spoolFiles, 1)
	atomic.AddInt64(&m.postsIngested, int64(posts))
	atomic.AddInt64(&m.invalidRecords, int64(invalid))
}

// RecordRun accumulates counters from one aggregation run.
func (m *Metrics) RecordRun(bucketsMerged int, err error) {
	if err != nil {
		atomic.AddInt64(&m.runsFailed, 1)
		return
	}
	atomic.AddInt64(&m.runsSucceeded, 1)
	atomic.AddInt64(&m.bucketsMerged, int64(bucketsMerged))
}

// Snapshot returns a read-only view of metrics.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		QueueLength:    int(atomic.LoadInt64(&m.queueLength)),
		QueueCapacity:  int(atomic.LoadInt64(&m.queueCapacity)),
		WorkerCount:    int(atomic.LoadInt64(&m.workerCount)),
		SpoolFiles:     atomic.LoadInt64(&m.spoolFiles),
		PostsIngested:  atomic.LoadInt64(&m.postsIngested),
		InvalidRecords: atomic.LoadInt64(&m.invalidRecords),
		RunsSucceeded:  atomic.LoadInt64(&m.runsSucceeded),
		RunsFailed:     atomic.LoadInt64(&m.runsFailed),
		BucketsMerged:  atomic.LoadInt64(&m.bucketsMerged),
	}
}
