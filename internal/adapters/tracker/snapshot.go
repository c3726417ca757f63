package tracker

import (
	"sort"
	"strings"
)

type SampleSummary struct {
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
}

// MetricsSnapshot sums every retained interval of the in-memory sink. Names
// have the service prefix stripped, so "graphflow.node.executions" is
// reported as "node.executions".
type MetricsSnapshot struct {
	Counters map[string]float64       `json:"counters"`
	Samples  map[string]SampleSummary `json:"samples"`
}

func (s MetricsSnapshot) CounterNames() []string {
	names := make([]string, 0, len(s.Counters))
	for name := range s.Counters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Tracker) MetricsSnapshot() MetricsSnapshot {
	snapshot := MetricsSnapshot{
		Counters: make(map[string]float64),
		Samples:  make(map[string]SampleSummary),
	}

	prefix := t.config.ServiceName + "."
	for _, interval := range t.sink.Data() {
		interval.RLock()
		for _, counter := range interval.Counters {
			if counter.AggregateSample == nil {
				continue
			}
			snapshot.Counters[strings.TrimPrefix(counter.Name, prefix)] += counter.Sum
		}
		for _, sample := range interval.Samples {
			if sample.AggregateSample == nil {
				continue
			}
			name := strings.TrimPrefix(sample.Name, prefix)
			summary, seen := snapshot.Samples[name]
			if !seen || sample.Min < summary.Min {
				summary.Min = sample.Min
			}
			if sample.Max > summary.Max {
				summary.Max = sample.Max
			}
			summary.Count += sample.Count
			summary.Sum += sample.Sum
			snapshot.Samples[name] = summary
		}
		interval.RUnlock()
	}

	for name, summary := range snapshot.Samples {
		if summary.Count > 0 {
			summary.Mean = summary.Sum / float64(summary.Count)
			snapshot.Samples[name] = summary
		}
	}
	return snapshot
}
