package secureknn

import (
	"context"
	"fmt"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/opaque/secureknn/pkg/dataset"
)

// Run is the outcome of one secure query checked against plaintext k-NN.
type Run struct {
	K       int
	Got     [][]int64
	Want    [][]int64
	Match   bool
	Latency time.Duration
}

// Report summarises a set of runs.
type Report struct {
	Runs       []Run
	Mismatches int

	Mean   time.Duration
	Median time.Duration
	P95    time.Duration
	StdDev time.Duration
}

// Compare runs query once per k through s and checks every answer against
// plaintext k-NN over rows. Answers match when their distance multisets are
// equal, so rows tied at the same distance may be swapped.
func Compare(ctx context.Context, s Searcher, rows [][]int64, query []int64, ks []int) (Report, error) {
	var report Report
	for _, k := range ks {
		id, err := NewQueryID()
		if err != nil {
			return Report{}, err
		}

		start := time.Now()
		got, err := s.KNN(ctx, query, k, id)
		if err != nil {
			return Report{}, fmt.Errorf("k=%d: %w", k, err)
		}
		run := Run{
			K:       k,
			Got:     got,
			Want:    dataset.KNN(rows, query, k),
			Latency: time.Since(start),
		}
		run.Match = dataset.SameNeighbours(query, run.Got, run.Want)
		if !run.Match {
			report.Mismatches++
		}
		report.Runs = append(report.Runs, run)
	}

	if err := report.summarise(); err != nil {
		return Report{}, err
	}
	return report, nil
}

func (r *Report) summarise() error {
	if len(r.Runs) == 0 {
		return nil
	}
	latencies := make(stats.Float64Data, len(r.Runs))
	for i, run := range r.Runs {
		latencies[i] = float64(run.Latency)
	}

	mean, err := latencies.Mean()
	if err != nil {
		return err
	}
	median, err := latencies.Median()
	if err != nil {
		return err
	}
	p95, err := latencies.PercentileNearestRank(95)
	if err != nil {
		return err
	}
	stddev, err := latencies.StandardDeviation()
	if err != nil {
		return err
	}

	r.Mean = time.Duration(mean)
	r.Median = time.Duration(median)
	r.P95 = time.Duration(p95)
	r.StdDev = time.Duration(stddev)
	return nil
}

// OK reports whether every run matched plaintext k-NN.
func (r Report) OK() bool {
	return r.Mismatches == 0
}
