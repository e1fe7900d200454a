package aggregate

import "sort"

type trendAcc struct {
	count int
	sums  [MetricCount]float64
	ns    [MetricCount]int
}

func (a *trendAcc) add(scores ScoreVector) {
	a.count++
	for i, v := range scores {
		if v == nil {
			continue
		}
		a.sums[i] += *v
		a.ns[i]++
	}
}

type dayCat struct {
	day string
	cat string
}

// BuildTrendBuckets groups the extracted records into (day, category)
// trend buckets plus the (day, All) rollup. Records outside the category
// whitelist are dropped first. Metric means are computed over non-null
// samples only; a metric with zero samples in a bucket yields a nil mean.
// Output ordering is deterministic: day, then category.
func BuildTrendBuckets(posts []PostRecord) []TrendBucket {
	accs := make(map[dayCat]*trendAcc)
	for _, p := range posts {
		if !CategoryAllowed(p.Category) {
			continue
		}
		for _, key := range []dayCat{{p.Day, p.Category}, {p.Day, CategoryAll}} {
			acc := accs[key]
			if acc == nil {
				acc = &trendAcc{}
				accs[key] = acc
			}
			acc.add(p.Scores)
		}
	}

	out := make([]TrendBucket, 0, len(accs))
	for key, acc := range accs {
		b := TrendBucket{Day: key.day, Category: key.cat, Count: acc.count}
		for i := 0; i < MetricCount; i++ {
			if acc.ns[i] == 0 {
				continue
			}
			mean := acc.sums[i] / float64(acc.ns[i])
			b.Means[i] = &mean
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Day != out[j].Day {
			return out[i].Day < out[j].Day
		}
		return out[i].Category < out[j].Category
	})
	return out
}

type dayCatToken struct {
	day   string
	cat   string
	token string
}

// BuildKeywordBuckets tokenizes record content, counts occurrences per
// (day, category, token) and per (day, All, token), ranks tokens within
// each (day, category) group by descending count (ties broken by ascending
// token), and keeps only rank <= topN. Buckets beyond topN are not emitted
// this run; a later run can still produce them if their count grows.
func BuildKeywordBuckets(posts []PostRecord, stop Stopwords, topN int) []KeywordBucket {
	if topN <= 0 {
		topN = DefaultTopKeywords
	}
	counts := make(map[dayCatToken]int)
	for _, p := range posts {
		if !CategoryAllowed(p.Category) {
			continue
		}
		for _, tok := range Tokenize(p.Content, stop) {
			counts[dayCatToken{p.Day, p.Category, tok}]++
			counts[dayCatToken{p.Day, CategoryAll, tok}]++
		}
	}

	groups := make(map[dayCat][]KeywordBucket)
	for key, n := range counts {
		gk := dayCat{key.day, key.cat}
		groups[gk] = append(groups[gk], KeywordBucket{
			Day:        key.day,
			Category:   key.cat,
			Keyword:    key.token,
			Occurrence: n,
		})
	}

	var out []KeywordBucket
	for _, buckets := range groups {
		sort.Slice(buckets, func(i, j int) bool {
			if buckets[i].Occurrence != buckets[j].Occurrence {
				return buckets[i].Occurrence > buckets[j].Occurrence
			}
			return buckets[i].Keyword < buckets[j].Keyword
		})
		if len(buckets) > topN {
			buckets = buckets[:topN]
		}
		for i := range buckets {
			buckets[i].Rank = i + 1
		}
		out = append(out, buckets...)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Day != b.Day {
			return a.Day < b.Day
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return a.Rank < b.Rank
	})
	return out
}

// DefaultTopKeywords is the per-group truncation applied before merging.
const DefaultTopKeywords = 20
