package network

import (
	"fmt"

	"decision-backend/internal/core/features"
	"decision-backend/internal/nn"

	"gonum.org/v1/gonum/mat"
)

// Encoder fuses categorical embeddings, the numerical projection and the
// cyclical time encoding into a single 1 x hidden_dim representation.
type Encoder struct {
	cfg Config

	bloodType *nn.Embedding
	urgency   *nn.Embedding
	transport *nn.Embedding

	timeIn  *nn.Linear
	timeOut *nn.Linear

	numerical *nn.FeedForward
	fusion    *nn.FeedForward
}

func newEncoder(p *nn.Params, cfg Config) *Encoder {
	fusionIn := 3*cfg.EmbeddingDim + cfg.TimeEncodingDim + cfg.HiddenDim
	return &Encoder{
		cfg:       cfg,
		bloodType: nn.NewEmbedding(p, "encoder.blood_type_embedding", cfg.NumBloodTypes, cfg.EmbeddingDim),
		urgency:   nn.NewEmbedding(p, "encoder.urgency_embedding", cfg.NumUrgencyLevels, cfg.EmbeddingDim),
		transport: nn.NewEmbedding(p, "encoder.transport_embedding", cfg.NumTransportMethods, cfg.EmbeddingDim),
		timeIn:    nn.NewLinear(p, "encoder.time_encoder.0", cfg.TimeEncoding.Terms(), cfg.TimeEncodingDim),
		timeOut:   nn.NewLinear(p, "encoder.time_encoder.2", cfg.TimeEncodingDim, cfg.TimeEncodingDim),
		numerical: nn.NewFeedForward(p, "encoder.numerical_encoder", cfg.NumericalDim, cfg.HiddenDim, cfg.HiddenDim, cfg.Dropout),
		fusion:    nn.NewFeedForward(p, "encoder.fusion", fusionIn, cfg.HiddenDim, cfg.HiddenDim, cfg.Dropout),
	}
}

// TimeEncoding returns the cyclical terms fed to the time encoder.
func (e *Encoder) TimeEncoding(tf features.TimeFeatures) []float64 {
	return tf.Cyclical()[:e.cfg.TimeEncoding.Terms()]
}

func (e *Encoder) Forward(pass *nn.Pass, rec *features.Record) (*nn.Tensor, error) {
	if len(rec.Numerical) != e.cfg.NumericalDim {
		return nil, fmt.Errorf("numerical features have width %d, model expects %d", len(rec.Numerical), e.cfg.NumericalDim)
	}
	if rec.BloodType < 0 || rec.BloodType >= e.bloodType.Size() {
		return nil, fmt.Errorf("blood type index %d out of range", rec.BloodType)
	}
	if rec.Urgency < 0 || rec.Urgency >= e.urgency.Size() {
		return nil, fmt.Errorf("urgency index %d out of range", rec.Urgency)
	}

	transport := nn.Zeros(1, e.cfg.EmbeddingDim)
	if idx, ok := rec.Transport.Get(); ok {
		if idx < 0 || idx >= e.transport.Size() {
			return nil, fmt.Errorf("transport index %d out of range", idx)
		}
		transport = e.transport.Lookup(idx)
	}

	timeVec := nn.RowVector(e.TimeEncoding(rec.Time))
	timeEnc := e.timeOut.Forward(nn.ReLU(e.timeIn.Forward(timeVec)))

	numerical := nn.Constant(mat.NewDense(1, len(rec.Numerical), append([]float64(nil), rec.Numerical...)))
	numEnc := e.numerical.Forward(numerical, pass)

	joined := nn.ConcatCols(
		e.bloodType.Lookup(rec.BloodType),
		e.urgency.Lookup(rec.Urgency),
		transport,
		timeEnc,
		numEnc,
	)
	return e.fusion.Forward(joined, pass), nil
}
