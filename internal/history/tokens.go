package history

import (
	"github.com/tiktoken-go/tokenizer"
)

// Estimator approximates how many tokens a text costs upstream.
type Estimator interface {
	Count(text string) int
}

// TiktokenEstimator counts tokens with a BPE codec. Counts are an estimate:
// providers tokenize differently, but cl100k is close enough for budgeting.
type TiktokenEstimator struct {
	codec tokenizer.Codec
}

// NewEstimator returns an estimator for the given model id, falling back to
// the cl100k_base encoding when the model is unknown.
func NewEstimator(modelID string) *TiktokenEstimator {
	codec, err := tokenizer.ForModel(tokenizer.Model(modelID))
	if err != nil {
		codec, err = tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			codec = nil
		}
	}
	return &TiktokenEstimator{codec: codec}
}

func (e *TiktokenEstimator) Count(text string) int {
	if e.codec == nil {
		// Rough bytes-per-token heuristic when no codec is available.
		return (len(text) + 3) / 4
	}
	ids, _, err := e.codec.Encode(text)
	if err != nil {
		return (len(text) + 3) / 4
	}
	return len(ids)
}
