package network

import (
	"fmt"

	"decision-backend/internal/nn"
)

// ReasoningLayer projects the fused representation into one vector per factor,
// lets the factors attend to each other and fuses them back down.
type ReasoningLayer struct {
	factors   []*nn.FeedForward
	attention *nn.MultiHeadAttention
	fusion    *nn.FeedForward
	norm      *nn.LayerNorm
}

func newReasoningLayer(p *nn.Params, cfg Config) (*ReasoningLayer, error) {
	factors := make([]*nn.FeedForward, cfg.NumFactors)
	for i := range factors {
		factors[i] = nn.NewFeedForward(p, fmt.Sprintf("reasoning.factor_projections.%d", i), cfg.HiddenDim, cfg.HiddenDim, cfg.HiddenDim, cfg.Dropout)
	}
	attention, err := nn.NewMultiHeadAttention(p, "reasoning.factor_attention", cfg.HiddenDim, cfg.NumHeads)
	if err != nil {
		return nil, err
	}
	return &ReasoningLayer{
		factors:   factors,
		attention: attention,
		fusion:    nn.NewFeedForward(p, "reasoning.reasoning_fusion", cfg.NumFactors*cfg.HiddenDim, 2*cfg.HiddenDim, cfg.HiddenDim, cfg.Dropout),
		norm:      nn.NewLayerNorm(p, "reasoning.layer_norm", cfg.HiddenDim),
	}, nil
}

// Forward returns the reasoned 1 x hidden_dim representation and the factor
// self-attention weights, one factors x factors matrix per head.
func (r *ReasoningLayer) Forward(pass *nn.Pass, fused *nn.Tensor) (*nn.Tensor, AttentionWeights) {
	projected := make([]*nn.Tensor, len(r.factors))
	for i, f := range r.factors {
		projected[i] = f.Forward(fused, pass)
	}
	sequence := nn.ConcatRows(projected...)

	attended, weights := r.attention.Forward(sequence, sequence, sequence)
	reasoned := r.norm.Forward(r.fusion.Forward(nn.Flatten(attended), pass))
	return reasoned, AttentionWeights(weights)
}
