package checkpoint

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"decision-backend/internal/core/features"
	"decision-backend/internal/core/network"
	"decision-backend/internal/core/types"
	"decision-backend/internal/nn"

	"gonum.org/v1/gonum/mat"
)

type LoadOptions struct {
	// Config overrides the model_config.yaml stored next to the checkpoint.
	Config *network.Config
	// AllowPartial keeps freshly initialised values for parameters that are
	// missing from the checkpoint or have a different shape, logging each one,
	// instead of failing with ErrShapeMismatch.
	AllowPartial bool
}

// Loaded is a reconstructed network plus the metadata stored with it.
type Loaded struct {
	Network   *network.Network
	Scaler    *features.Scaler
	Task      types.TaskType
	Epoch     int
	ValLoss   *float64
	Optimizer *nn.OptimizerState
	Scheduler *nn.SchedulerState
	Progress  *Progress
	// Skipped lists parameters left at their initial values by a partial load.
	Skipped []string
	// Migrated lists parameters rewritten by an architecture migration.
	Migrated []string
}

// Load rebuilds the network described by the config and fills it from
// <dir>/<name>.json. Checkpoints from an older architecture are migrated when
// a migration to the config's architecture exists.
func Load(dir, name string, opts LoadOptions) (*Loaded, error) {
	file, err := ReadFile(Path(dir, name))
	if err != nil {
		return nil, err
	}

	var cfg network.Config
	if opts.Config != nil {
		cfg = *opts.Config
	} else {
		cfg, err = network.LoadConfig(filepath.Join(dir, ConfigFile))
		if err != nil {
			return nil, err
		}
	}

	net, err := network.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("error building network from config: %w", err)
	}

	stored, err := nn.DecodeState(file.Params)
	if err != nil {
		return nil, err
	}

	loaded := &Loaded{
		Network:   net,
		Task:      file.TaskType,
		Epoch:     file.Epoch,
		ValLoss:   file.ValLoss,
		Optimizer: file.Optimizer,
		Scheduler: file.Scheduler,
		Progress:  file.Progress,
	}

	fresh := map[string]bool{}
	if file.ArchitectureVersion != cfg.ArchitectureVersion {
		m, ok := findMigration(file.ArchitectureVersion, cfg.ArchitectureVersion)
		if !ok {
			if !opts.AllowPartial {
				return nil, fmt.Errorf("%w: checkpoint architecture v%d, config v%d", ErrShapeMismatch, file.ArchitectureVersion, cfg.ArchitectureVersion)
			}
			slog.Warn("no migration between architecture versions, loading partially",
				"from", file.ArchitectureVersion, "to", cfg.ArchitectureVersion)
		} else {
			loaded.Migrated, err = m.apply(stored, net.Params().Shapes())
			if err != nil {
				return nil, err
			}
			fresh = m.added
			slog.Info("migrated checkpoint", "from", m.from, "to", m.to, "parameters", loaded.Migrated)
		}
		// Optimizer moments no longer match the migrated parameters.
		loaded.Optimizer = nil
	}

	skipped, err := assign(net.Params(), stored, fresh, opts.AllowPartial)
	if err != nil {
		return nil, fmt.Errorf("checkpoint v%d into config v%d: %w", file.ArchitectureVersion, cfg.ArchitectureVersion, err)
	}
	loaded.Skipped = skipped

	loaded.Scaler, err = LoadScaler(dir)
	if err != nil {
		return nil, err
	}
	if err := loaded.Scaler.CheckWidth(cfg.NumericalDim); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrShapeMismatch, err)
	}
	return loaded, nil
}

// assign copies stored values into params after checking every shape. Names in
// fresh are expected to be absent and keep their initial values. Without
// allowPartial any other missing, unexpected or mismatched parameter is an
// error.
func assign(params *nn.Params, stored map[string]*mat.Dense, fresh map[string]bool, allowPartial bool) ([]string, error) {
	shapes := params.Shapes()

	var problems, skipped []string
	for _, name := range params.Names() {
		value, ok := stored[name]
		if !ok && fresh[name] {
			continue
		}
		if !ok {
			problems = append(problems, fmt.Sprintf("%s missing", name))
			skipped = append(skipped, name)
			continue
		}
		r, c := value.Dims()
		if want := shapes[name]; want.Rows != r || want.Cols != c {
			problems = append(problems, fmt.Sprintf("%s has shape %dx%d, expected %s", name, r, c, want))
			skipped = append(skipped, name)
		}
	}
	var unexpected []string
	for name := range stored {
		if _, ok := shapes[name]; !ok {
			unexpected = append(unexpected, name)
		}
	}
	sort.Strings(unexpected)
	for _, name := range unexpected {
		problems = append(problems, fmt.Sprintf("%s not in model", name))
	}

	if len(problems) > 0 && !allowPartial {
		return nil, fmt.Errorf("%w: %s", ErrShapeMismatch, strings.Join(problems, "; "))
	}
	for _, p := range problems {
		slog.Warn("partial checkpoint load", "problem", p)
	}

	isSkipped := make(map[string]bool, len(skipped))
	for _, name := range skipped {
		isSkipped[name] = true
	}
	for _, name := range params.Names() {
		value, ok := stored[name]
		if !ok || isSkipped[name] {
			continue
		}
		if err := params.Assign(name, value); err != nil {
			return nil, err
		}
	}
	return skipped, nil
}
