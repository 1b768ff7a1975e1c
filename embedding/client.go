// Package embedding calls the external embedding generator service.
package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/framelens/asset-training-backend/logger"
)

// Generator produces a fixed-dimensionality vector for an image
type Generator interface {
	Embed(ctx context.Context, image []byte) ([]float32, error)
}

// Config holds embedding service connection settings
type Config struct {
	URL     string
	Timeout time.Duration
}

type httpGenerator struct {
	log     *logger.Logger
	baseURL string
	http    *http.Client
}

// NewHTTPGenerator creates an embedding client against the model server
func NewHTTPGenerator(log *logger.Logger, cfg Config) (Generator, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("embedding service url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpGenerator{
		log:     log.With("service", "EmbeddingClient"),
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Embed sends the image to the model server and returns its vector
func (g *httpGenerator) Embed(ctx context.Context, image []byte) ([]float32, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("image bytes are empty")
	}

	payload, err := json.Marshal(map[string]string{
		"image": base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("embed request returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode embed response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("embed response contained no embedding")
	}
	return out.Embedding, nil
}
