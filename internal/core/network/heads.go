package network

import (
	"decision-backend/internal/core/features"
	"decision-backend/internal/nn"
)

// DonorHead scores each candidate by cross-attending the encoded candidates
// over the reasoned context. From ArchitectureV2 on, the raw candidate
// features are concatenated into the ranking input so candidates stay
// distinguishable even when attention collapses.
type DonorHead struct {
	version          int
	candidateEncoder *nn.FeedForward
	contextEncoder   *nn.FeedForward
	crossAttention   *nn.MultiHeadAttention
	ranking          *nn.FeedForward
}

func newDonorHead(p *nn.Params, cfg Config) (*DonorHead, error) {
	h := cfg.HeadDim()
	attention, err := nn.NewMultiHeadAttention(p, "donor_head.cross_attention", h, cfg.CrossAttentionHeads)
	if err != nil {
		return nil, err
	}
	rankingIn := h
	if cfg.ArchitectureVersion >= ArchitectureV2 {
		rankingIn += features.CandidateWidth
	}
	return &DonorHead{
		version:          cfg.ArchitectureVersion,
		candidateEncoder: nn.NewFeedForward(p, "donor_head.candidate_encoder", features.CandidateWidth, h, h, cfg.Dropout),
		contextEncoder:   nn.NewFeedForward(p, "donor_head.context_encoder", cfg.HiddenDim, h, h, cfg.Dropout),
		crossAttention:   attention,
		ranking:          nn.NewFeedForward(p, "donor_head.ranking_head", rankingIn, h/2, 1, cfg.HeadDropout),
	}, nil
}

func (d *DonorHead) Forward(pass *nn.Pass, reasoned *nn.Tensor, items features.ItemMatrix) *DonorOutput {
	candidates := nn.FromRows(items.Rows)
	encoded := d.candidateEncoder.Forward(candidates, pass)
	context := d.contextEncoder.Forward(reasoned, pass)

	attended, _ := d.crossAttention.Forward(encoded, context, context)
	rankingIn := attended
	if d.version >= ArchitectureV2 {
		rankingIn = nn.ConcatCols(attended, candidates)
	}
	raw := nn.Transpose(d.ranking.Forward(rankingIn, pass))
	return &DonorOutput{Ranking: newRanking(raw, items.Valid())}
}

// InventoryHead fuses proximity, expiry and quantity sub-scores per source.
// ArchitectureV2 adds context gates computed from the reasoned representation.
type InventoryHead struct {
	version   int
	proximity *nn.FeedForward
	expiry    *nn.FeedForward
	quantity  *nn.FeedForward
	gates     *nn.Linear
	fusion    *nn.FeedForward
}

func newInventoryHead(p *nn.Params, cfg Config) *InventoryHead {
	h := cfg.HeadDim()
	head := &InventoryHead{
		version:   cfg.ArchitectureVersion,
		proximity: nn.NewFeedForward(p, "inventory_head.proximity_scorer", features.SourceWidth, h/2, 1, 0),
		expiry:    nn.NewFeedForward(p, "inventory_head.expiry_scorer", features.SourceWidth, h/2, 1, 0),
		quantity:  nn.NewFeedForward(p, "inventory_head.quantity_scorer", features.SourceWidth, h/2, 1, 0),
	}
	fusionIn := 3
	if cfg.ArchitectureVersion >= ArchitectureV2 {
		head.gates = nn.NewLinear(p, "inventory_head.context_gates", cfg.HiddenDim, 3)
		fusionIn = 6
	}
	head.fusion = nn.NewFeedForward(p, "inventory_head.fusion", fusionIn, h, 1, 0)
	return head
}

// Forward masks padding rows the same way the donor head does.
func (ih *InventoryHead) Forward(pass *nn.Pass, reasoned *nn.Tensor, items features.ItemMatrix) *InventoryOutput {
	sources := nn.FromRows(items.Rows)
	factors := nn.ConcatCols(
		ih.proximity.Forward(sources, pass),
		ih.expiry.Forward(sources, pass),
		ih.quantity.Forward(sources, pass),
	)

	fusionIn := factors
	if ih.gates != nil {
		gains := nn.Sigmoid(ih.gates.Forward(reasoned))
		fusionIn = nn.ConcatCols(factors, nn.MulRowVector(factors, gains))
	}
	raw := nn.Transpose(ih.fusion.Forward(fusionIn, pass))
	return &InventoryOutput{Ranking: newRanking(raw, items.Valid()), FactorScores: factors}
}

type UrgencyHead struct {
	classifier *nn.FeedForward
	priority   *nn.FeedForward
}

func newUrgencyHead(p *nn.Params, cfg Config) *UrgencyHead {
	h := cfg.HeadDim()
	return &UrgencyHead{
		classifier: nn.NewFeedForward(p, "urgency_head.classifier", cfg.HiddenDim, h, cfg.NumUrgencyLevels, cfg.Dropout),
		priority:   nn.NewFeedForward(p, "urgency_head.priority_regressor", cfg.HiddenDim, h, 1, 0),
	}
}

func (u *UrgencyHead) Forward(pass *nn.Pass, reasoned *nn.Tensor) *UrgencyOutput {
	logits := u.classifier.Forward(reasoned, pass)
	probs := nn.SoftmaxRows(logits).RowValues(0)
	return &UrgencyOutput{
		Logits:        logits,
		Priority:      nn.Sigmoid(u.priority.Forward(reasoned, pass)),
		Class:         argmax(probs),
		Probabilities: probs,
	}
}

type TransportHead struct {
	method    *nn.FeedForward
	eta       *nn.FeedForward
	coldChain *nn.FeedForward
}

func newTransportHead(p *nn.Params, cfg Config) *TransportHead {
	h := cfg.HeadDim()
	return &TransportHead{
		method:    nn.NewFeedForward(p, "transport_head.method_classifier", cfg.HiddenDim, h, cfg.NumTransportMethods, cfg.Dropout),
		eta:       nn.NewFeedForward(p, "transport_head.eta_predictor", cfg.HiddenDim, h, 1, 0),
		coldChain: nn.NewFeedForward(p, "transport_head.cold_chain_checker", cfg.HiddenDim, h, 1, 0),
	}
}

func (t *TransportHead) Forward(pass *nn.Pass, reasoned *nn.Tensor) *TransportOutput {
	logits := t.method.Forward(reasoned, pass)
	coldChain := t.coldChain.Forward(reasoned, pass)
	prob := sigmoid(coldChain.Item())
	return &TransportOutput{
		Logits:             logits,
		Eta:                nn.ReLU(t.eta.Forward(reasoned, pass)),
		ColdChain:          coldChain,
		Method:             argmax(logits.RowValues(0)),
		ColdChainProb:      prob,
		ColdChainCompliant: prob > 0.5,
	}
}

type EligibilityHead struct {
	eligible *nn.FeedForward
	edgeCase *nn.FeedForward
	criteria *nn.FeedForward
}

func newEligibilityHead(p *nn.Params, cfg Config) *EligibilityHead {
	h := cfg.HeadDim()
	return &EligibilityHead{
		eligible: nn.NewFeedForward(p, "eligibility_head.eligibility_classifier", cfg.HiddenDim, h, 1, cfg.Dropout),
		edgeCase: nn.NewFeedForward(p, "eligibility_head.edge_case_detector", cfg.HiddenDim, h, 1, 0),
		criteria: nn.NewFeedForward(p, "eligibility_head.criteria_checker", cfg.HiddenDim, h, cfg.NumCriteria, 0),
	}
}

func (e *EligibilityHead) Forward(pass *nn.Pass, reasoned *nn.Tensor) *EligibilityOutput {
	eligible := e.eligible.Forward(reasoned, pass)
	edgeCase := e.edgeCase.Forward(reasoned, pass)
	criteria := e.criteria.Forward(reasoned, pass)

	criteriaLogits := criteria.RowValues(0)
	criteriaProbs := make([]float64, len(criteriaLogits))
	for i, v := range criteriaLogits {
		criteriaProbs[i] = sigmoid(v)
	}
	eligibleProb := sigmoid(eligible.Item())
	return &EligibilityOutput{
		EligibleLogit:  eligible,
		EdgeCaseLogit:  edgeCase,
		CriteriaLogits: criteria,
		EligibleProb:   eligibleProb,
		Eligible:       eligibleProb > 0.5,
		EdgeCaseProb:   sigmoid(edgeCase.Item()),
		CriteriaProbs:  criteriaProbs,
	}
}

// ConfidenceEstimator maps the reasoned representation to a scalar in [0, 1].
// It has no loss term of its own.
type ConfidenceEstimator struct {
	ffn *nn.FeedForward
}

func newConfidenceEstimator(p *nn.Params, cfg Config) *ConfidenceEstimator {
	return &ConfidenceEstimator{
		ffn: nn.NewFeedForward(p, "confidence_estimator", cfg.HiddenDim, cfg.HiddenDim/4, 1, cfg.Dropout),
	}
}

func (c *ConfidenceEstimator) Forward(pass *nn.Pass, reasoned *nn.Tensor) *nn.Tensor {
	return nn.Sigmoid(c.ffn.Forward(reasoned, pass))
}
