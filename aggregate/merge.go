package aggregate

// MergeTrend combines an existing trend bucket with an incoming aggregate
// for the same (day, category) key. Counts add; each metric mean is the
// count-weighted running mean of the two sides. The weights are the bucket
// occurrence counts, not per-metric sample counts, matching the persisted
// schema. When one side has no samples for a metric (nil mean) the other
// side's mean carries over unweighted rather than being dragged toward
// zero.
func MergeTrend(old, in TrendBucket) TrendBucket {
	merged := TrendBucket{
		Day:      old.Day,
		Category: old.Category,
		Count:    old.Count + in.Count,
	}
	for i := 0; i < MetricCount; i++ {
		switch {
		case old.Means[i] == nil && in.Means[i] == nil:
			// stays nil
		case old.Means[i] == nil:
			v := *in.Means[i]
			merged.Means[i] = &v
		case in.Means[i] == nil:
			v := *old.Means[i]
			merged.Means[i] = &v
		default:
			total := old.Count + in.Count
			v := (*old.Means[i]*float64(old.Count) + *in.Means[i]*float64(in.Count)) / float64(total)
			merged.Means[i] = &v
		}
	}
	return merged
}

// MergeKeyword combines an existing keyword bucket with an incoming one for
// the same (day, category, keyword) key. Occurrences add; the best-ever
// observed rank is retained rather than recomputed against merged totals.
func MergeKeyword(old, in KeywordBucket) KeywordBucket {
	rank := old.Rank
	if in.Rank > 0 && (rank == 0 || in.Rank < rank) {
		rank = in.Rank
	}
	return KeywordBucket{
		Day:        old.Day,
		Category:   old.Category,
		Keyword:    old.Keyword,
		Occurrence: old.Occurrence + in.Occurrence,
		Rank:       rank,
	}
}
