package training

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"gonum.org/v1/gonum/stat"
)

// TrialFunc runs one trial with its seed and returns its outcome.
type TrialFunc func(ctx context.Context, trial int, seed int64) (*Result, error)

// TrialOutcome is the record of one trial.
type TrialOutcome struct {
	Trial  int
	Seed   int64
	Result *Result
	Err    error
}

// Summary aggregates the final IoUs of the successful trials.
type Summary struct {
	Trials    []TrialOutcome
	Succeeded int
	Failed    int
	TrainMean float64
	TrainStd  float64
	TestMean  float64
	TestStd   float64
}

// TrialSeed returns the seed of trial i. A zero base draws a fresh seed from
// the clock.
func TrialSeed(base int64, i int) int64 {
	if base == 0 {
		return time.Now().UnixNano() + int64(i)
	}
	return base + int64(i)
}

// RunTrials runs n independent trials in sequence. A failed trial is logged
// and excluded from the aggregate; a cancelled context stops the run.
func RunTrials(ctx context.Context, n int, baseSeed int64, run TrialFunc, logger *log.Logger) (*Summary, error) {
	if n <= 0 {
		return nil, fmt.Errorf("number of trials must be positive, got %d", n)
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	sum := &Summary{}
	var train, test []float64
	for i := range n {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		seed := TrialSeed(baseSeed, i)
		logger.Printf("[Trials] trial %d/%d (seed %d)", i+1, n, seed)
		res, err := run(ctx, i, seed)
		sum.Trials = append(sum.Trials, TrialOutcome{Trial: i, Seed: seed, Result: res, Err: err})
		if err != nil {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			logger.Printf("[Trials] trial %d failed: %v", i+1, err)
			sum.Failed++
			continue
		}
		sum.Succeeded++
		train = append(train, res.FinalTrainIoU)
		test = append(test, res.FinalTestIoU)
		logger.Printf("[Trials] trial %d: train Jaccard %.6f, test Jaccard %.6f", i+1, res.FinalTrainIoU, res.FinalTestIoU)
	}
	sum.TrainMean, sum.TrainStd = meanStd(train)
	sum.TestMean, sum.TestStd = meanStd(test)
	if sum.Succeeded == 0 {
		return sum, fmt.Errorf("all %d trials failed", n)
	}
	logger.Printf("[Trials] %d/%d trials succeeded: train Jaccard %.6f ± %.6f, test Jaccard %.6f ± %.6f",
		sum.Succeeded, n, sum.TrainMean, sum.TrainStd, sum.TestMean, sum.TestStd)
	return sum, nil
}

// meanStd returns the mean and sample standard deviation; the deviation is
// zero for fewer than two values.
func meanStd(x []float64) (mean, std float64) {
	switch len(x) {
	case 0:
		return 0, 0
	case 1:
		return x[0], 0
	}
	return stat.MeanStdDev(x, nil)
}
