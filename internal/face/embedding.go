package face

import (
	"encoding/json"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// ErrInvalidEmbedding indicates a vector that cannot be decoded or stored.
var ErrInvalidEmbedding = errors.New("face: invalid embedding")

// Embedding is a face feature vector produced by the extraction service.
type Embedding []float64

// Dim reports the vector dimension.
func (e Embedding) Dim() int {
	return len(e)
}

// Encode serializes the embedding to its JSON storage form.
func (e Embedding) Encode() (json.RawMessage, error) {
	if len(e) == 0 {
		return nil, fmt.Errorf("%w: empty vector", ErrInvalidEmbedding)
	}
	raw, err := json.Marshal([]float64(e))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEmbedding, err)
	}
	return raw, nil
}

// DecodeEmbedding parses the JSON storage form back into a vector.
func DecodeEmbedding(raw json.RawMessage) (Embedding, error) {
	var vector []float64
	if err := json.Unmarshal(raw, &vector); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEmbedding, err)
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: empty vector", ErrInvalidEmbedding)
	}
	return Embedding(vector), nil
}

// cosineSimilarity returns the cosine of the angle between two equal-length
// vectors. A zero-magnitude vector yields 0 rather than NaN.
func cosineSimilarity(a, b Embedding) float64 {
	normA := floats.Norm(a, 2)
	normB := floats.Norm(b, 2)
	if normA == 0 || normB == 0 {
		return 0
	}
	return floats.Dot(a, b) / (normA * normB)
}
