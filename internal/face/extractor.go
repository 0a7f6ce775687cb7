package face

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultExtractorTimeout = 10 * time.Second

var (
	// ErrNoFaceDetected indicates the capture contained no detectable face.
	ErrNoFaceDetected = errors.New("face: no face detected")
	// ErrMultipleFacesDetected indicates the capture contained more than one face.
	ErrMultipleFacesDetected = errors.New("face: multiple faces detected")
	// ErrInvalidExtractorConfig indicates missing extractor settings.
	ErrInvalidExtractorConfig = errors.New("face: invalid extractor config")

	errEmptyImage = errors.New("image payload must not be empty")
)

// Extractor turns a captured image into an embedding. Implementations report
// ErrNoFaceDetected and ErrMultipleFacesDetected for rejectable captures and
// any other error for infrastructure failures.
type Extractor interface {
	Extract(ctx context.Context, image []byte) (Embedding, error)
}

// HTTPExtractorConfig bundles configuration for the inference-service client.
type HTTPExtractorConfig struct {
	ServiceURL   string
	EmbeddingDim int
	HTTPClient   *http.Client
	Timeout      time.Duration
	Logger       *zap.Logger
}

// HTTPExtractor calls a remote face-embedding inference service.
type HTTPExtractor struct {
	serviceURL string
	dim        int
	httpClient *http.Client
	timeout    time.Duration
	logger     *zap.Logger
}

// NewHTTPExtractor constructs an extractor client with validated configuration.
func NewHTTPExtractor(cfg HTTPExtractorConfig) (*HTTPExtractor, error) {
	serviceURL := strings.TrimSpace(cfg.ServiceURL)
	if serviceURL == "" {
		return nil, fmt.Errorf("%w: service url required", ErrInvalidExtractorConfig)
	}
	if cfg.EmbeddingDim <= 0 {
		return nil, fmt.Errorf("%w: embedding dimension must be positive", ErrInvalidExtractorConfig)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultExtractorTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HTTPExtractor{
		serviceURL: serviceURL,
		dim:        cfg.EmbeddingDim,
		httpClient: httpClient,
		timeout:    timeout,
		logger:     logger,
	}, nil
}

type extractRequestPayload struct {
	ImageB64 string `json:"image_b64"`
}

type extractResponsePayload struct {
	Embedding []float64 `json:"embedding"`
	Error     string    `json:"error"`
}

// Extract posts the image to the inference service and decodes the embedding.
func (e *HTTPExtractor) Extract(ctx context.Context, image []byte) (Embedding, error) {
	if len(image) == 0 {
		return nil, errEmptyImage
	}

	requestBody, err := json.Marshal(extractRequestPayload{
		ImageB64: base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return nil, err
	}

	requestCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, e.serviceURL, bytes.NewReader(requestBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	response, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	var payload extractResponsePayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("extractor response malformed: %w", err)
	}

	switch response.StatusCode {
	case http.StatusOK:
	case http.StatusUnprocessableEntity:
		switch payload.Error {
		case "no_face":
			return nil, ErrNoFaceDetected
		case "multiple_faces":
			return nil, ErrMultipleFacesDetected
		default:
			return nil, fmt.Errorf("extractor rejected capture: %s", payload.Error)
		}
	default:
		return nil, fmt.Errorf("extractor request returned status %d", response.StatusCode)
	}

	embedding := Embedding(payload.Embedding)
	if embedding.Dim() != e.dim {
		e.logger.Warn("extractor returned unexpected dimension",
			zap.Int("got", embedding.Dim()),
			zap.Int("want", e.dim))
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, embedding.Dim(), e.dim)
	}

	return embedding, nil
}
