package trace

import "sort"

// Stats is the aggregate buildStats computes over a set of entries.
type Stats struct {
	Totals       Aggregate            `json:"totals"`
	ByModel      []ModelBreakdown     `json:"byModel"`
	Hourly       []Bucket             `json:"hourly"`
}

// Aggregate is the usage-aggregate-add accumulator: request counts by
// outcome, latency sum, per-status counts, token totals and cost.
type Aggregate struct {
	Requests     int64           `json:"requests"`
	OK           int64           `json:"ok"`
	Errors       int64           `json:"errors"`
	LatencyMsSum int64           `json:"latencyMsSum"`
	StatusCounts map[int]int64   `json:"statusCounts"`
	TokensInput  int64           `json:"tokensInput"`
	TokensOutput int64           `json:"tokensOutput"`
	TokensTotal  int64           `json:"tokensTotal"`
	CostUSD      float64         `json:"costUsd"`
	UsageCount   int64           `json:"usageCount"` // requests that carried usage
	FirstAt      int64           `json:"firstAt,omitempty"`
	LastAt       int64           `json:"lastAt,omitempty"`
}

func newAggregate() Aggregate {
	return Aggregate{StatusCounts: make(map[int]int64)}
}

// add folds one entry into the aggregate, per the usage-aggregate-add rule.
func (agg *Aggregate) add(e Entry) {
	agg.Requests++
	if e.IsError {
		agg.Errors++
	} else {
		agg.OK++
	}
	agg.LatencyMsSum += e.LatencyMs
	agg.StatusCounts[e.Status]++

	if e.TokensTotal > 0 || e.TokensInput > 0 || e.TokensOutput > 0 {
		agg.UsageCount++
		agg.TokensInput += e.TokensInput
		agg.TokensOutput += e.TokensOutput
		agg.TokensTotal += e.TokensTotal
		if e.CostUSD != nil {
			agg.CostUSD += *e.CostUSD
		}
	}

	if agg.FirstAt == 0 || e.At < agg.FirstAt {
		agg.FirstAt = e.At
	}
	if e.At > agg.LastAt {
		agg.LastAt = e.At
	}
}

// ModelBreakdown is one row of the by-model aggregate, sorted by count
// descending.
type ModelBreakdown struct {
	Model     string    `json:"model"`
	Aggregate Aggregate `json:"aggregate"`
}

// Bucket is one hour of the time-series, with latency percentiles.
type Bucket struct {
	BucketStartMs int64     `json:"bucketStartMs"`
	Aggregate     Aggregate `json:"aggregate"`
	P50LatencyMs  int64     `json:"p50LatencyMs"`
	P95LatencyMs  int64     `json:"p95LatencyMs"`
}

const hourMs = 3_600_000

// BuildStats computes totals, a per-model breakdown, and an hourly
// time-series with p50/p95 latency, over entries filtered to
// [sinceMs, untilMs] inclusive when those bounds are non-zero.
func BuildStats(entries []Entry, sinceMs, untilMs int64) Stats {
	totals := newAggregate()
	byModel := make(map[string]*Aggregate)
	byHour := make(map[int64][]Entry)

	for _, e := range entries {
		if sinceMs != 0 && e.At < sinceMs {
			continue
		}
		if untilMs != 0 && e.At > untilMs {
			continue
		}

		totals.add(e)

		model := e.Model
		if model == "" {
			model = "unknown"
		}
		agg, ok := byModel[model]
		if !ok {
			a := newAggregate()
			agg = &a
			byModel[model] = agg
		}
		agg.add(e)

		bucket := (e.At / hourMs) * hourMs
		byHour[bucket] = append(byHour[bucket], e)
	}

	modelRows := make([]ModelBreakdown, 0, len(byModel))
	for model, agg := range byModel {
		modelRows = append(modelRows, ModelBreakdown{Model: model, Aggregate: *agg})
	}
	sort.Slice(modelRows, func(i, j int) bool {
		if modelRows[i].Aggregate.Requests != modelRows[j].Aggregate.Requests {
			return modelRows[i].Aggregate.Requests > modelRows[j].Aggregate.Requests
		}
		return modelRows[i].Model < modelRows[j].Model
	})

	buckets := make([]Bucket, 0, len(byHour))
	for start, es := range byHour {
		agg := newAggregate()
		latencies := make([]int64, 0, len(es))
		for _, e := range es {
			agg.add(e)
			latencies = append(latencies, e.LatencyMs)
		}
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		buckets = append(buckets, Bucket{
			BucketStartMs: start,
			Aggregate:     agg,
			P50LatencyMs:  percentile(latencies, 50),
			P95LatencyMs:  percentile(latencies, 95),
		})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].BucketStartMs < buckets[j].BucketStartMs })

	return Stats{Totals: totals, ByModel: modelRows, Hourly: buckets}
}

// percentile uses an integer-index percentile over a pre-sorted slice;
// p=100 returns the maximum.
func percentile(sorted []int64, p int) int64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if p >= 100 {
		return sorted[n-1]
	}
	idx := (p * n) / 100
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}
