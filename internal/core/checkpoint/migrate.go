package checkpoint

import (
	"fmt"
	"sort"

	"decision-backend/internal/core/network"
	"decision-backend/internal/nn"

	"gonum.org/v1/gonum/mat"
)

// migration rewrites a stored parameter set from one architecture version to
// the next. Widened weights keep their old rows and get zero rows for the new
// inputs, so the migrated network computes exactly what the old one did.
type migration struct {
	from, to int
	// widened maps parameters whose input dimension grew.
	widened []string
	// added parameters do not exist in the old architecture and keep their
	// initial values. Their contribution is cancelled by the zero rows.
	added map[string]bool
}

var migrations = []migration{
	{
		from: network.ArchitectureV1,
		to:   network.ArchitectureV2,
		widened: []string{
			"donor_head.ranking_head.0.weight",
			"inventory_head.fusion.0.weight",
		},
		added: map[string]bool{
			"inventory_head.context_gates.weight": true,
			"inventory_head.context_gates.bias":   true,
		},
	},
}

func findMigration(from, to int) (migration, bool) {
	for _, m := range migrations {
		if m.from == from && m.to == to {
			return m, true
		}
	}
	return migration{}, false
}

func (m migration) apply(stored map[string]*mat.Dense, target map[string]nn.Shape) ([]string, error) {
	var changed []string
	for _, name := range m.widened {
		old, ok := stored[name]
		if !ok {
			return nil, fmt.Errorf("%w: migration v%d -> v%d needs %s", ErrShapeMismatch, m.from, m.to, name)
		}
		want, ok := target[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s not in target model", ErrShapeMismatch, name)
		}
		r, c := old.Dims()
		if c != want.Cols || r > want.Rows {
			return nil, fmt.Errorf("%w: cannot widen %s from %dx%d to %s", ErrShapeMismatch, name, r, c, want)
		}
		widened := mat.NewDense(want.Rows, want.Cols, nil)
		widened.Slice(0, r, 0, c).(*mat.Dense).Copy(old)
		stored[name] = widened
		changed = append(changed, name)
	}

	for name := range m.added {
		if _, ok := target[name]; ok {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed, nil
}
