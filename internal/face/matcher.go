package face

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidMatcherConfig indicates missing or out-of-range matcher settings.
	ErrInvalidMatcherConfig = errors.New("face: invalid matcher config")
	// ErrDimensionMismatch indicates an embedding whose length differs from the
	// configured dimension. Comparison never proceeds past it.
	ErrDimensionMismatch = errors.New("face: embedding dimension mismatch")
)

// MatcherConfig bundles the fixed dimension and the two decision thresholds.
type MatcherConfig struct {
	EmbeddingDim       int
	AuthThreshold      float64
	DuplicateThreshold float64
}

// Matcher scores embedding pairs and applies the authentication and
// duplicate-enrollment decision policies. The two thresholds are independent:
// the duplicate policy is typically stricter (triggers at lower similarity)
// than the authentication policy.
type Matcher struct {
	dim           int
	authThreshold float64
	dupThreshold  float64
}

// NewMatcher constructs a matcher with validated configuration.
func NewMatcher(cfg MatcherConfig) (*Matcher, error) {
	if cfg.EmbeddingDim <= 0 {
		return nil, fmt.Errorf("%w: embedding dimension must be positive", ErrInvalidMatcherConfig)
	}
	if cfg.AuthThreshold <= 0 || cfg.AuthThreshold > 1 {
		return nil, fmt.Errorf("%w: auth threshold must be within (0, 1]", ErrInvalidMatcherConfig)
	}
	if cfg.DuplicateThreshold <= 0 || cfg.DuplicateThreshold > 1 {
		return nil, fmt.Errorf("%w: duplicate threshold must be within (0, 1]", ErrInvalidMatcherConfig)
	}

	return &Matcher{
		dim:           cfg.EmbeddingDim,
		authThreshold: cfg.AuthThreshold,
		dupThreshold:  cfg.DuplicateThreshold,
	}, nil
}

// Dim reports the dimension every stored and probed embedding must have.
func (m *Matcher) Dim() int {
	return m.dim
}

// CheckDim verifies a single embedding against the configured dimension.
func (m *Matcher) CheckDim(e Embedding) error {
	if e.Dim() != m.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, e.Dim(), m.dim)
	}
	return nil
}

// Similarity returns the cosine similarity of two embeddings. Both must match
// the configured dimension; a mismatch is a data integrity fault, never a low
// score.
func (m *Matcher) Similarity(a, b Embedding) (float64, error) {
	if err := m.CheckDim(a); err != nil {
		return 0, err
	}
	if err := m.CheckDim(b); err != nil {
		return 0, err
	}
	return cosineSimilarity(a, b), nil
}

// AuthMatch reports whether a similarity score passes the authentication
// policy.
func (m *Matcher) AuthMatch(score float64) bool {
	return score >= m.authThreshold
}

// DuplicateMatch reports whether a similarity score marks two embeddings as
// the same face for enrollment purposes.
func (m *Matcher) DuplicateMatch(score float64) bool {
	return score >= m.dupThreshold
}
