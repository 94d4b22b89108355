package training

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"

	"decision-backend/internal/core/checkpoint"
	"decision-backend/internal/core/features"
	"decision-backend/internal/core/network"
	"decision-backend/internal/core/types"
	"decision-backend/internal/nn"
)

type State string

const (
	StateIdle          State = "idle"
	StateTraining      State = "training_epoch"
	StateValidating    State = "validating"
	StateCheckpointing State = "checkpointing"
	StateEarlyStopped  State = "early_stopped"
	StateCompleted     State = "completed"
)

type EpochResult struct {
	Epoch        int      `json:"epoch"`
	TrainLoss    float64  `json:"train_loss"`
	ValLoss      float64  `json:"val_loss"`
	LearningRate float64  `json:"learning_rate"`
	SkippedSteps int      `json:"skipped_steps"`
	Improved     bool     `json:"improved"`
	LRReduced    bool     `json:"lr_reduced"`
	Checkpoints  []string `json:"checkpoints,omitempty"`
	Metrics      Metrics  `json:"metrics,omitempty"`
}

type Summary struct {
	Task         types.TaskType `json:"task_type"`
	Epochs       int            `json:"epochs"`
	BestEpoch    int            `json:"best_epoch"`
	BestValLoss  float64        `json:"best_val_loss"`
	FinalState   State          `json:"final_state"`
	FinalMetrics Metrics        `json:"final_metrics"`
	BestPath     string         `json:"best_path"`
}

// Trainer owns the network's parameters, the optimizer and the scheduler for
// the duration of one run. It is not safe for concurrent use.
type Trainer struct {
	cfg  Config
	task types.TaskType
	net  *network.Network
	pre  *features.Preprocessor
	dir  string

	opt   *nn.AdamW
	sched *nn.PlateauScheduler

	state            State
	startEpoch       int
	best             float64
	bestEpoch        int
	bestPath         string
	sinceImprovement int
	step             uint64

	// OnEpoch is called after every epoch, once checkpoints are written.
	OnEpoch func(EpochResult)
	// OnBatch reports progress within an epoch.
	OnBatch func(done, total int)
}

// NewTrainer prepares a run that writes checkpoints into dir. An empty dir
// disables checkpointing.
func NewTrainer(cfg Config, task types.TaskType, net *network.Network, pre *features.Preprocessor, dir string) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !task.Valid() {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownTask, task)
	}
	sched := nn.NewPlateauScheduler(cfg.SchedulerFactor, cfg.SchedulerPatience)
	return &Trainer{
		cfg:   cfg,
		task:  task,
		net:   net,
		pre:   pre,
		dir:   dir,
		opt:   nn.NewAdamW(cfg.LearningRate, cfg.WeightDecay),
		sched: sched,
		state: StateIdle,
		best:  math.Inf(1),
	}, nil
}

func (t *Trainer) State() State {
	return t.state
}

func (t *Trainer) LearningRate() float64 {
	return t.opt.LR
}

// Restore resumes from a loaded checkpoint's optimizer, scheduler and
// early-stopping state. Training continues at the epoch after the
// checkpoint's.
func (t *Trainer) Restore(l *checkpoint.Loaded) error {
	if l.Optimizer != nil {
		if err := t.opt.LoadState(*l.Optimizer); err != nil {
			return err
		}
	}
	if l.Scheduler != nil {
		t.sched.LoadState(*l.Scheduler)
	}
	switch {
	case l.Progress != nil:
		t.best = math.Inf(1)
		if l.Progress.BestValLoss != nil {
			t.best = *l.Progress.BestValLoss
		}
		t.bestEpoch = l.Progress.BestEpoch
		t.sinceImprovement = l.Progress.SinceImprovement
	case l.ValLoss != nil:
		// checkpoints written before progress was recorded
		t.best = *l.ValLoss
		t.bestEpoch = l.Epoch
	}
	if l.Scaler != nil {
		t.pre.SetScaler(l.Scaler)
	}
	t.startEpoch = l.Epoch
	return nil
}

// Prepare preprocesses examples with the trainer's preprocessor.
func (t *Trainer) Prepare(examples []features.Example) []features.Record {
	return PrepareRecords(t.pre, examples)
}

// PrepareRecords preprocesses examples, dropping selection examples that carry
// no real items.
func PrepareRecords(pre *features.Preprocessor, examples []features.Example) []features.Record {
	records := make([]features.Record, 0, len(examples))
	for i := range examples {
		rec := pre.PreprocessExample(&examples[i])
		if rec.Task.Selection() {
			if m, ok := rec.Items.Get(); !ok || m.NumValid() == 0 {
				slog.Warn("skipping example without items", "index", i, "task_type", rec.Task)
				continue
			}
		}
		records = append(records, rec)
	}
	return records
}

// Run trains until num_epochs or early stopping. Without a validation split the
// training loss drives the scheduler, checkpointing and early stopping.
func (t *Trainer) Run(ctx context.Context, ds Dataset) (*Summary, error) {
	if len(ds.Train) == 0 {
		return nil, fmt.Errorf("%w: no %s training examples", ErrMissingTrainingData, t.task)
	}
	if !t.pre.Scaler().Fitted() {
		if err := t.pre.FitScalers(ds.Train); err != nil {
			return nil, fmt.Errorf("error fitting scaler: %w", err)
		}
	}

	train := t.Prepare(ds.Train)
	if len(train) == 0 {
		return nil, fmt.Errorf("%w: no usable %s training examples", ErrMissingTrainingData, t.task)
	}
	val := t.Prepare(ds.Val)
	monitor := val
	if len(val) == 0 {
		slog.Warn("no validation examples, monitoring training loss", "task_type", t.task)
		monitor = train
	}

	slog.Info("starting training", "task_type", t.task, "train", len(train), "val", len(val),
		"parameters", t.net.Params().Count(), "start_epoch", t.startEpoch+1)

	rng := rand.New(rand.NewPCG(t.cfg.Seed, t.cfg.Seed^0x5deece66d))
	var finalMetrics Metrics
	epoch := t.startEpoch

	for epoch < t.cfg.NumEpochs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		epoch++

		t.state = StateTraining
		trainLoss, skipped := t.trainEpoch(train, rng)

		t.state = StateValidating
		valLoss := trainLoss
		if len(val) > 0 {
			eval, err := Evaluate(t.net, val, t.cfg)
			if err != nil {
				return nil, fmt.Errorf("validation failed at epoch %d: %w", epoch, err)
			}
			valLoss = eval.Loss
		}

		res := EpochResult{Epoch: epoch, TrainLoss: trainLoss, ValLoss: valLoss, SkippedSteps: skipped}
		res.LRReduced = t.sched.Step(valLoss, t.opt)
		res.LearningRate = t.opt.LR
		if res.LRReduced {
			slog.Info("reduced learning rate", "epoch", epoch, "lr", t.opt.LR)
		}

		t.state = StateCheckpointing
		if valLoss < t.best {
			t.best = valLoss
			t.bestEpoch = epoch
			t.sinceImprovement = 0
			res.Improved = true
			path, err := t.save(checkpoint.BestName, epoch, valLoss)
			if err != nil {
				return nil, err
			}
			if path != "" {
				t.bestPath = path
				res.Checkpoints = append(res.Checkpoints, path)
			}
		} else {
			t.sinceImprovement++
		}
		if epoch%t.cfg.SaveEvery == 0 {
			path, err := t.save(checkpoint.EpochName(epoch), epoch, valLoss)
			if err != nil {
				return nil, err
			}
			if path != "" {
				res.Checkpoints = append(res.Checkpoints, path)
			}
		}

		stopping := t.sinceImprovement >= t.cfg.Patience
		if epoch%t.cfg.MetricsEvery == 0 || epoch == t.cfg.NumEpochs || stopping {
			eval, err := Evaluate(t.net, monitor, t.cfg)
			if err != nil {
				return nil, fmt.Errorf("metrics failed at epoch %d: %w", epoch, err)
			}
			res.Metrics = eval.Metrics
			finalMetrics = eval.Metrics
		}

		slog.Info("epoch complete", "task_type", t.task, "epoch", epoch, "train_loss", trainLoss,
			"val_loss", valLoss, "lr", t.opt.LR, "skipped_steps", skipped, "improved", res.Improved)
		if t.OnEpoch != nil {
			t.OnEpoch(res)
		}

		if stopping {
			slog.Info("early stopping", "epoch", epoch, "best_epoch", t.bestEpoch, "patience", t.cfg.Patience)
			t.state = StateEarlyStopped
			break
		}
	}
	if t.state != StateEarlyStopped {
		t.state = StateCompleted
	}

	return &Summary{
		Task:         t.task,
		Epochs:       epoch,
		BestEpoch:    t.bestEpoch,
		BestValLoss:  t.best,
		FinalState:   t.state,
		FinalMetrics: finalMetrics,
		BestPath:     t.bestPath,
	}, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

type stepOutcome int

const (
	stepApplied stepOutcome = iota
	stepSkipped
	stepEmpty
)

// trainEpoch runs one pass over the shuffled training records and returns the
// mean loss of the applied steps and the number of skipped steps.
func (t *Trainer) trainEpoch(records []features.Record, rng *rand.Rand) (float64, int) {
	batches := Batches(len(records), t.cfg.BatchSize, rng)

	var total float64
	steps, skipped := 0, 0
	for b, batch := range batches {
		loss, outcome := t.trainStep(b, batch, records)
		switch outcome {
		case stepApplied:
			total += loss
			steps++
		case stepSkipped:
			skipped++
		}
		if t.OnBatch != nil {
			t.OnBatch(b+1, len(batches))
		}
	}
	t.net.Params().ZeroGrad()

	if steps == 0 {
		return math.NaN(), skipped
	}
	return total / float64(steps), skipped
}

// trainStep averages the batch loss, backpropagates, clips and applies one
// optimizer update. Non-finite losses or gradient norms skip the update.
func (t *Trainer) trainStep(b int, batch []int, records []features.Record) (float64, stepOutcome) {
	params := t.net.Params()
	params.ZeroGrad()
	weight := t.cfg.LossWeight(t.task)

	losses := make([]*nn.Tensor, 0, len(batch))
	for _, i := range batch {
		t.step++
		rec := &records[i]
		res, err := t.net.Forward(nn.TrainPass(t.cfg.Seed+t.step), rec)
		if err != nil {
			slog.Warn("forward pass failed, skipping example", "error", err)
			continue
		}
		loss, err := TaskLoss(res.Output, rec.Label, weight, t.cfg.RankingMargin)
		if err != nil {
			slog.Warn("loss failed, skipping example", "error", err)
			continue
		}
		losses = append(losses, loss.Total)
	}
	if len(losses) == 0 {
		return 0, stepEmpty
	}

	loss := nn.Scale(nn.AddAll(losses...), 1/float64(len(losses)))
	value := loss.Item()
	if !finite(value) {
		slog.Warn("non-finite loss, skipping optimizer step", "batch", b, "loss", value)
		return value, stepSkipped
	}
	if err := loss.Backward(); err != nil {
		slog.Warn("backward failed, skipping optimizer step", "batch", b, "error", err)
		return value, stepSkipped
	}
	norm := nn.ClipGradNorm(params, t.cfg.MaxGradNorm)
	if !finite(norm) {
		slog.Warn("non-finite gradient norm, skipping optimizer step", "batch", b, "grad_norm", norm)
		params.ZeroGrad()
		return value, stepSkipped
	}
	t.opt.Step(params)
	return value, stepApplied
}

func (t *Trainer) progress() *checkpoint.Progress {
	p := &checkpoint.Progress{BestEpoch: t.bestEpoch, SinceImprovement: t.sinceImprovement}
	if finite(t.best) {
		best := t.best
		p.BestValLoss = &best
	}
	return p
}

func (t *Trainer) save(name string, epoch int, valLoss float64) (string, error) {
	if t.dir == "" {
		return "", nil
	}
	path, err := checkpoint.Save(t.dir, name, checkpoint.State{
		Task:      t.task,
		Epoch:     epoch,
		ValLoss:   valLoss,
		Network:   t.net,
		Optimizer: t.opt,
		Scheduler: t.sched,
		Scaler:    t.pre.Scaler(),
		Progress:  t.progress(),
	})
	if err != nil {
		return "", fmt.Errorf("error saving checkpoint %s: %w", name, err)
	}
	return path, nil
}
