package inspector

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/reverseproxy/tunnelgw/internal/timeseries"
)

const (
	throughputWindow = 60 * time.Second
	latencyWindow    = 300 * time.Second
	bucketInterval   = 5 * time.Second
	maxBuckets       = 60
	topPathsK        = 10
)

// Bucket is one 5-second time-series sample of request volume.
type Bucket struct {
	Timestamp int64 `json:"timestamp"`
	Count     int   `json:"count"`
}

// LatencyStats holds the nearest-rank percentile summary of the 300s
// latency window.
type LatencyStats struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// ErrorBreakdown buckets response counts by status class.
type ErrorBreakdown struct {
	TwoXX   int `json:"2xx"`
	ThreeXX int `json:"3xx"`
	FourXX  int `json:"4xx"`
	FiveXX  int `json:"5xx"`
	Other   int `json:"other"`
}

// PathCount is one entry of the top-paths ranking.
type PathCount struct {
	Path  string `json:"path"`
	Count int    `json:"count"`
}

// Snapshot is the full derived-metrics payload published on
// eventbus.TopicMetricsUpdate and served by GET /metrics.
type Snapshot struct {
	Throughput     float64        `json:"throughput"`
	Latency        LatencyStats   `json:"latency"`
	ErrorRate      float64        `json:"error_rate"`
	ErrorBreakdown ErrorBreakdown `json:"error_breakdown"`
	TopPaths       []PathCount    `json:"top_paths"`
	TimeSeries     []Bucket       `json:"time_series"`
}

// metricWindows holds all of the rolling windows and counters used to
// compute derived metrics on demand.
type metricWindows struct {
	requests *timeseries.Window
	bytesIn  *timeseries.Window
	bytesOut *timeseries.Window
	latency  *timeseries.Window

	mu           sync.Mutex
	methodCounts map[string]int
	pathCounts   map[string]int
	statusTotal  int
	errorTotal   int
	breakdown    ErrorBreakdown
	buckets      []Bucket
	currentStart int64
	now          func() time.Time
}

func newMetricWindows() *metricWindows {
	return &metricWindows{
		requests:     timeseries.New(int64(throughputWindow)),
		bytesIn:      timeseries.New(int64(throughputWindow)),
		bytesOut:     timeseries.New(int64(throughputWindow)),
		latency:      timeseries.New(int64(latencyWindow)),
		methodCounts: make(map[string]int),
		pathCounts:   make(map[string]int),
		now:          time.Now,
	}
}

func (m *metricWindows) recordMethodPath(method, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.methodCounts[method]++
	m.pathCounts[path]++
}

func (m *metricWindows) recordStatus(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusTotal++
	switch {
	case status >= 200 && status < 300:
		m.breakdown.TwoXX++
	case status >= 300 && status < 400:
		m.breakdown.ThreeXX++
	case status >= 400 && status < 500:
		m.breakdown.FourXX++
		m.errorTotal++
	case status >= 500 && status < 600:
		m.breakdown.FiveXX++
		m.errorTotal++
	default:
		m.breakdown.Other++
	}
}

// recordBucket appends a sample to the current 5s time-series bucket,
// rolling over to a new bucket when the interval elapses.
func (m *metricWindows) recordBucket(nowNS int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucketStart := (nowNS / int64(bucketInterval)) * int64(bucketInterval)
	if len(m.buckets) == 0 || m.currentStart != bucketStart {
		m.buckets = append(m.buckets, Bucket{Timestamp: bucketStart, Count: 0})
		m.currentStart = bucketStart
		if len(m.buckets) > maxBuckets {
			m.buckets = m.buckets[len(m.buckets)-maxBuckets:]
		}
	}
	m.buckets[len(m.buckets)-1].Count++
}

// Metrics computes the full derived-metrics snapshot. Throughput,
// percentiles, error rate and top paths are derived on each call from the
// live windows and from the counters and buckets updated on ingest.
func (s *Store) Metrics() Snapshot {
	w := s.windows
	nowNS := s.now().UnixNano()

	reqCount := w.requests.Count(nowNS)
	throughput := float64(reqCount) / throughputWindow.Seconds()

	latencies := w.latency.Values(nowNS)
	sort.Float64s(latencies)

	w.mu.Lock()
	errTotal := w.errorTotal
	statusTotal := w.statusTotal
	breakdown := w.breakdown
	topPaths := topKPaths(w.pathCounts, topPathsK)
	buckets := append([]Bucket(nil), w.buckets...)
	w.mu.Unlock()

	errorRate := 0.0
	if statusTotal > 0 {
		errorRate = float64(errTotal) / float64(statusTotal) * 100
	}

	return Snapshot{
		Throughput:     throughput,
		Latency:        percentileStats(latencies),
		ErrorRate:      errorRate,
		ErrorBreakdown: breakdown,
		TopPaths:       topPaths,
		TimeSeries:     buckets,
	}
}

// percentileStats computes min/max/avg/p50/p95/p99 using the nearest-rank
// definition: sorted[ceil(p/100*n)-1], clamped to index 0. sorted must
// already be ascending.
func percentileStats(sorted []float64) LatencyStats {
	n := len(sorted)
	if n == 0 {
		return LatencyStats{}
	}
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return LatencyStats{
		Min: sorted[0],
		Max: sorted[n-1],
		Avg: sum / float64(n),
		P50: nearestRank(sorted, 50),
		P95: nearestRank(sorted, 95),
		P99: nearestRank(sorted, 99),
	}
}

func nearestRank(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

func topKPaths(counts map[string]int, k int) []PathCount {
	out := make([]PathCount, 0, len(counts))
	for path, count := range counts {
		out = append(out, PathCount{Path: path, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Path < out[j].Path
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}
