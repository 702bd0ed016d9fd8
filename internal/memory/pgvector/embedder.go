package pgvector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TEIEmbedder calls a HuggingFace Text Embeddings Inference server. It is
// the reference Embedder; any HTTP embeddings service with the same
// request/response shape works.
type TEIEmbedder struct {
	baseURL    string
	dimensions int
	httpClient *http.Client
}

// NewTEIEmbedder returns an Embedder against baseURL, a TEI server
// producing vectors of the given dimensionality.
func NewTEIEmbedder(baseURL string, dimensions int) *TEIEmbedder {
	return &TEIEmbedder{
		baseURL:    baseURL,
		dimensions: dimensions,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *TEIEmbedder) Dimensions() int { return e.dimensions }

type teiEmbedRequest struct {
	Inputs string `json:"inputs"`
}

func (e *TEIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(teiEmbedRequest{Inputs: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call embeddings server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embeddings server returned %d: %s", resp.StatusCode, string(data))
	}

	var out [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("embeddings server returned no vectors")
	}
	return out[0], nil
}
