// Command train runs training or evaluation for one task against local data
// files, writing checkpoints into an output directory.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"decision-backend/internal/core/checkpoint"
	"decision-backend/internal/core/features"
	"decision-backend/internal/core/network"
	"decision-backend/internal/core/training"
	"decision-backend/internal/core/types"

	"github.com/schollz/progressbar/v3"
)

type options struct {
	task           string
	dataDir        string
	examples       string
	outDir         string
	modelConfig    string
	trainingConfig string
	resume         string
	evaluate       string
}

func parseOptions() options {
	var opts options
	flag.StringVar(&opts.task, "task", "", "task type to train, e.g. donor_selection")
	flag.StringVar(&opts.dataDir, "data", "./data", "directory holding {task}_train.json, {task}_val.json and {task}_test.json")
	flag.StringVar(&opts.examples, "examples", "", "single example file to split 70/15/15 by createdAt instead of -data")
	flag.StringVar(&opts.outDir, "out", "./checkpoints", "checkpoint directory")
	flag.StringVar(&opts.modelConfig, "model-config", "", "model_config.yaml, defaults are used when empty")
	flag.StringVar(&opts.trainingConfig, "training-config", "", "training_config.yaml, defaults are used when empty")
	flag.StringVar(&opts.resume, "resume", "", "checkpoint name in -out to resume from, e.g. checkpoint_epoch_10")
	flag.StringVar(&opts.evaluate, "evaluate", "", "evaluate the named checkpoint in -out on the test split instead of training")
	flag.Parse()
	return opts
}

func loadDataset(opts options, task types.TaskType) (training.Dataset, error) {
	if opts.examples == "" {
		return training.LoadDataset(opts.dataDir, task)
	}
	examples, err := training.LoadExamples(opts.examples, task)
	if err != nil {
		return training.Dataset{}, err
	}
	ds := training.TemporalSplit(examples, 0.7, 0.15)
	slog.Info("split examples by creation time", "train", len(ds.Train), "val", len(ds.Val), "test", len(ds.Test))
	if len(ds.Train) == 0 {
		return ds, fmt.Errorf("%w: %s has no %s examples", training.ErrMissingTrainingData, opts.examples, task)
	}
	return ds, nil
}

func loadConfigs(opts options) (network.Config, training.Config, error) {
	modelCfg, trainCfg := network.DefaultConfig(), training.DefaultConfig()
	var err error
	if opts.modelConfig != "" {
		if modelCfg, err = network.LoadConfig(opts.modelConfig); err != nil {
			return modelCfg, trainCfg, err
		}
	}
	if opts.trainingConfig != "" {
		if trainCfg, err = training.LoadConfig(opts.trainingConfig); err != nil {
			return modelCfg, trainCfg, err
		}
	}
	return modelCfg, trainCfg, nil
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("error encoding output: %v", err)
	}
	fmt.Println(string(data))
}

func evaluate(opts options, task types.TaskType, trainCfg training.Config, ds training.Dataset) error {
	loaded, err := checkpoint.Load(opts.outDir, opts.evaluate, checkpoint.LoadOptions{})
	if err != nil {
		return err
	}

	examples := ds.Test
	if len(examples) == 0 {
		slog.Warn("no test examples, evaluating on the validation split")
		examples = ds.Val
	}

	pre := features.NewPreprocessor(loaded.Network.Config().PreprocessorOptions(features.SystemClock{}))
	pre.SetScaler(loaded.Scaler)
	result, err := training.Evaluate(loaded.Network, training.PrepareRecords(pre, examples), trainCfg)
	if err != nil {
		return err
	}
	printJSON(result)
	return nil
}

func train(ctx context.Context, opts options, task types.TaskType, modelCfg network.Config, trainCfg training.Config, ds training.Dataset) error {
	var net *network.Network
	var resume *checkpoint.Loaded
	if opts.resume != "" {
		loaded, err := checkpoint.Load(opts.outDir, opts.resume, checkpoint.LoadOptions{})
		if err != nil {
			return err
		}
		net, resume = loaded.Network, loaded
		slog.Info("resuming training", "checkpoint", opts.resume, "epoch", loaded.Epoch)
	} else {
		var err error
		if net, err = network.New(modelCfg); err != nil {
			return err
		}
	}

	pre := features.NewPreprocessor(net.Config().PreprocessorOptions(features.SystemClock{}))
	trainer, err := training.NewTrainer(trainCfg, task, net, pre, opts.outDir)
	if err != nil {
		return err
	}
	if resume != nil {
		if err := trainer.Restore(resume); err != nil {
			return err
		}
	}

	var bar *progressbar.ProgressBar
	trainer.OnBatch = func(done, total int) {
		if done == 1 || bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription("training"),
				progressbar.OptionSetWidth(30),
				progressbar.OptionClearOnFinish(),
			)
		}
		_ = bar.Set(done)
	}
	trainer.OnEpoch = func(res training.EpochResult) {
		if bar != nil {
			_ = bar.Finish()
			bar = nil
		}
		if res.Metrics != nil {
			slog.Info("epoch metrics", "epoch", res.Epoch, "metrics", res.Metrics)
		}
	}

	summary, err := trainer.Run(ctx, ds)
	if err != nil {
		return err
	}
	printJSON(summary)
	return nil
}

func main() {
	opts := parseOptions()

	task, err := types.ParseTaskType(opts.task)
	if err != nil {
		log.Fatalf("invalid -task: %v", err)
	}

	modelCfg, trainCfg, err := loadConfigs(opts)
	if err != nil {
		log.Fatalf("error loading configs: %v", err)
	}

	ds, err := loadDataset(opts, task)
	if err != nil {
		log.Fatalf("error loading data: %v", err)
	}

	if opts.evaluate != "" {
		if err := evaluate(opts, task, trainCfg, ds); err != nil {
			log.Fatalf("evaluation failed: %v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := train(ctx, opts, task, modelCfg, trainCfg, ds); err != nil {
		log.Fatalf("training failed: %v", err)
	}
}
