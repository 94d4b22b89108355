package training

import (
	"fmt"
	"math"

	"decision-backend/internal/core/features"
	"decision-backend/internal/core/network"
	"decision-backend/internal/core/utils"
	"decision-backend/internal/nn"
)

type Evaluation struct {
	Loss    float64 `json:"loss"`
	Metrics Metrics `json:"metrics"`
	Count   int     `json:"count"`
	Failed  int     `json:"failed"`
}

type evalResult struct {
	index      int
	loss       float64
	output     network.TaskOutput
	confidence float64
}

// Evaluate scores records in evaluation mode across a pool of workers. Results
// are reduced in record order so the loss does not depend on scheduling.
func Evaluate(net *network.Network, records []features.Record, cfg Config) (Evaluation, error) {
	if len(records) == 0 {
		return Evaluation{Loss: math.NaN()}, nil
	}

	queue := make(chan int, len(records))
	for i := range records {
		queue <- i
	}
	close(queue)

	worker := func(i int) (evalResult, error) {
		rec := &records[i]
		res, err := net.Forward(nn.EvalPass(), rec)
		if err != nil {
			return evalResult{}, fmt.Errorf("record %d: %w", i, err)
		}
		loss, err := TaskLoss(res.Output, rec.Label, cfg.LossWeight(rec.Task), cfg.RankingMargin)
		if err != nil {
			return evalResult{}, fmt.Errorf("record %d: %w", i, err)
		}
		return evalResult{index: i, loss: loss.Total.Item(), output: res.Output, confidence: res.Confidence.Item()}, nil
	}

	completed := make(chan utils.CompletedTask[evalResult], len(records))
	utils.RunInPool(worker, queue, completed, max(cfg.EvalWorkers, 1))

	results := make([]*evalResult, len(records))
	var firstErr error
	failed := 0
	for task := range completed {
		if task.Error != nil {
			failed++
			if firstErr == nil {
				firstErr = task.Error
			}
			continue
		}
		r := task.Result
		results[r.index] = &r
	}
	if failed == len(records) {
		return Evaluation{}, fmt.Errorf("evaluation failed for every record: %w", firstErr)
	}

	acc := NewMetricsAccumulator(records[0].Task)
	var total float64
	for i, r := range results {
		if r == nil {
			continue
		}
		total += r.loss
		acc.Add(r.output, records[i].Label, r.confidence)
	}

	return Evaluation{
		Loss:    total / float64(acc.Count()),
		Metrics: acc.Compute(),
		Count:   acc.Count(),
		Failed:  failed,
	}, nil
}
