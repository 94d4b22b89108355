package network

import (
	"fmt"

	"decision-backend/internal/core/features"
	"decision-backend/internal/core/types"
	"decision-backend/internal/nn"
)

// Network owns the shared encoder and reasoning layer, the five task heads and
// the confidence estimator. Forward passes in evaluation mode only read
// parameters, so a Network may serve concurrent requests once training ends.
type Network struct {
	cfg    Config
	params *nn.Params

	encoder     *Encoder
	reasoning   *ReasoningLayer
	donor       *DonorHead
	urgency     *UrgencyHead
	inventory   *InventoryHead
	transport   *TransportHead
	eligibility *EligibilityHead
	confidence  *ConfidenceEstimator
}

func New(cfg Config) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := nn.NewParams(cfg.Seed)
	reasoning, err := newReasoningLayer(p, cfg)
	if err != nil {
		return nil, fmt.Errorf("error building reasoning layer: %w", err)
	}
	donor, err := newDonorHead(p, cfg)
	if err != nil {
		return nil, fmt.Errorf("error building donor head: %w", err)
	}

	return &Network{
		cfg:         cfg,
		params:      p,
		encoder:     newEncoder(p, cfg),
		reasoning:   reasoning,
		donor:       donor,
		urgency:     newUrgencyHead(p, cfg),
		inventory:   newInventoryHead(p, cfg),
		transport:   newTransportHead(p, cfg),
		eligibility: newEligibilityHead(p, cfg),
		confidence:  newConfidenceEstimator(p, cfg),
	}, nil
}

func (n *Network) Config() Config {
	return n.cfg
}

func (n *Network) Params() *nn.Params {
	return n.params
}

// Result is everything one forward pass produces.
type Result struct {
	Output     TaskOutput
	Confidence *nn.Tensor // 1 x 1
	Attention  AttentionWeights
}

// Forward runs the record through the shared backbone and the head for its
// task. Selection tasks fail with features.ErrMissingInput when the record has
// no items or only padding.
func (n *Network) Forward(pass *nn.Pass, rec *features.Record) (*Result, error) {
	var items features.ItemMatrix
	if rec.Task.Selection() {
		m, ok := rec.Items.Get()
		if !ok || m.NumValid() == 0 {
			field := "candidates"
			if rec.Task == types.InventorySelection {
				field = "rankedUnits"
			}
			return nil, features.MissingInput(rec.Task, field)
		}
		items = m
	}

	fused, err := n.encoder.Forward(pass, rec)
	if err != nil {
		return nil, fmt.Errorf("error encoding features: %w", err)
	}
	reasoned, attention := n.reasoning.Forward(pass, fused)

	var out TaskOutput
	switch rec.Task {
	case types.DonorSelection:
		out = n.donor.Forward(pass, reasoned, items)
	case types.UrgencyAssessment:
		out = n.urgency.Forward(pass, reasoned)
	case types.InventorySelection:
		out = n.inventory.Forward(pass, reasoned, items)
	case types.TransportPlanning:
		out = n.transport.Forward(pass, reasoned)
	case types.EligibilityAnalysis:
		out = n.eligibility.Forward(pass, reasoned)
	default:
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownTask, rec.Task)
	}

	return &Result{
		Output:     out,
		Confidence: n.confidence.Forward(pass, reasoned),
		Attention:  attention,
	}, nil
}
