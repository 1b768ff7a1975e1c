// Package vectorindex provides the Qdrant-backed vector index used to
// store and search frame embeddings.
package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/framelens/asset-training-backend/logger"
)

const maxErrorBodyBytes = 1024

// Point is one vector plus its payload, keyed by a generated identifier
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]interface{}
}

// Match is one search hit from the index
type Match struct {
	ID      string                 `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

// BatchResult reports the outcome of a batch operation
type BatchResult struct {
	Success int
	Failed  []string
}

// CollectionInfo describes the backing collection
type CollectionInfo struct {
	Count  int64  `json:"count"`
	Status string `json:"status"`
}

// VectorIndex is the index surface the orchestrator depends on
type VectorIndex interface {
	EnsureCollection(ctx context.Context) error
	Upsert(ctx context.Context, id string, vector []float32, payload map[string]interface{}) error
	UpsertBatch(ctx context.Context, points []Point) (*BatchResult, error)
	Delete(ctx context.Context, id string) error
	DeleteBatch(ctx context.Context, ids []string) (*BatchResult, error)
	Search(ctx context.Context, vector []float32, limit int, threshold float64, filter map[string]interface{}) ([]Match, error)
	Get(ctx context.Context, id string) (*Match, error)
	CollectionInfo(ctx context.Context) (*CollectionInfo, error)
}

// Config holds Qdrant connection settings
type Config struct {
	URL        string
	Collection string
	VectorDim  int
}

type qdrantClient struct {
	log        *logger.Logger
	cfg        Config
	baseURL    string
	collection string
	http       *http.Client
}

type qdrantEnvelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
	Time   float64         `json:"time"`
}

// NewQdrantIndex creates a Qdrant-backed vector index client
func NewQdrantIndex(log *logger.Logger, cfg Config) (VectorIndex, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("qdrant url is required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("qdrant collection is required")
	}
	if cfg.VectorDim <= 0 {
		return nil, fmt.Errorf("vector dimension must be positive")
	}

	return &qdrantClient{
		log:        log.With("service", "QdrantIndex"),
		cfg:        cfg,
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		collection: cfg.Collection,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

// EnsureCollection creates the collection if it does not already exist
func (q *qdrantClient) EnsureCollection(ctx context.Context) error {
	const op = "ensure_collection"
	err := q.doJSON(ctx, op, http.MethodGet, q.collectionPath(""), nil, nil)
	if err == nil {
		return nil
	}

	body := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     q.cfg.VectorDim,
			"distance": "Cosine",
		},
	}
	if err := q.doJSON(ctx, op, http.MethodPut, q.collectionPath(""), body, nil); err != nil {
		return err
	}
	q.log.Info("created qdrant collection", "collection", q.collection, "dim", q.cfg.VectorDim)
	return nil
}

// Upsert writes one vector into the index
func (q *qdrantClient) Upsert(ctx context.Context, id string, vector []float32, payload map[string]interface{}) error {
	const op = "upsert"
	if err := q.validateVector(op, id, vector); err != nil {
		return err
	}

	req := map[string]interface{}{
		"points": []map[string]interface{}{
			{"id": id, "vector": vector, "payload": payload},
		},
	}
	return q.doJSON(ctx, op, http.MethodPut, q.collectionPath("/points?wait=true"), req, nil)
}

// UpsertBatch writes vectors one at a time so individual failures can be
// reported without aborting the batch
func (q *qdrantClient) UpsertBatch(ctx context.Context, points []Point) (*BatchResult, error) {
	result := &BatchResult{}
	for _, p := range points {
		if err := q.Upsert(ctx, p.ID, p.Vector, p.Payload); err != nil {
			q.log.Warn("batch upsert failed for point", "point_id", p.ID, "error", err)
			result.Failed = append(result.Failed, p.ID)
			continue
		}
		result.Success++
	}
	return result, nil
}

// Delete removes one vector from the index
func (q *qdrantClient) Delete(ctx context.Context, id string) error {
	const op = "delete"
	req := map[string]interface{}{
		"points": []string{id},
	}
	return q.doJSON(ctx, op, http.MethodPost, q.collectionPath("/points/delete?wait=true"), req, nil)
}

// DeleteBatch removes vectors one at a time, continuing past failures
func (q *qdrantClient) DeleteBatch(ctx context.Context, ids []string) (*BatchResult, error) {
	result := &BatchResult{}
	for _, id := range ids {
		if err := q.Delete(ctx, id); err != nil {
			q.log.Warn("batch delete failed for point", "point_id", id, "error", err)
			result.Failed = append(result.Failed, id)
			continue
		}
		result.Success++
	}
	return result, nil
}

// Search queries the index for the nearest vectors above the threshold
func (q *qdrantClient) Search(ctx context.Context, vector []float32, limit int, threshold float64, filter map[string]interface{}) ([]Match, error) {
	const op = "search"
	if err := q.validateVector(op, "query", vector); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	req := map[string]interface{}{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if threshold > 0 {
		req["score_threshold"] = threshold
	}
	if len(filter) > 0 {
		must := make([]map[string]interface{}, 0, len(filter))
		for key, value := range filter {
			must = append(must, map[string]interface{}{
				"key":   key,
				"match": map[string]interface{}{"value": value},
			})
		}
		req["filter"] = map[string]interface{}{"must": must}
	}

	var raw []struct {
		ID      json.RawMessage        `json:"id"`
		Score   float64                `json:"score"`
		Payload map[string]interface{} `json:"payload"`
	}
	if err := q.doJSON(ctx, op, http.MethodPost, q.collectionPath("/points/search"), req, &raw); err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(raw))
	for _, item := range raw {
		matches = append(matches, Match{
			ID:      decodePointID(item.ID),
			Score:   item.Score,
			Payload: item.Payload,
		})
	}
	return matches, nil
}

// Get retrieves a single point by identifier
func (q *qdrantClient) Get(ctx context.Context, id string) (*Match, error) {
	const op = "get"
	var raw struct {
		ID      json.RawMessage        `json:"id"`
		Payload map[string]interface{} `json:"payload"`
	}
	if err := q.doJSON(ctx, op, http.MethodGet, q.collectionPath("/points/"+id), nil, &raw); err != nil {
		return nil, err
	}
	return &Match{ID: decodePointID(raw.ID), Payload: raw.Payload}, nil
}

// CollectionInfo returns the point count and status of the collection
func (q *qdrantClient) CollectionInfo(ctx context.Context) (*CollectionInfo, error) {
	const op = "collection_info"
	var raw struct {
		Status      string `json:"status"`
		PointsCount int64  `json:"points_count"`
	}
	if err := q.doJSON(ctx, op, http.MethodGet, q.collectionPath(""), nil, &raw); err != nil {
		return nil, err
	}
	return &CollectionInfo{Count: raw.PointsCount, Status: raw.Status}, nil
}

func (q *qdrantClient) validateVector(op, id string, vector []float32) error {
	if len(vector) == 0 {
		return opErr(op, OperationErrorValidation, fmt.Sprintf("vector %q has empty values", id), nil)
	}
	if len(vector) != q.cfg.VectorDim {
		return opErr(op, OperationErrorValidation,
			fmt.Sprintf("vector %q dimension mismatch: expected=%d got=%d", id, q.cfg.VectorDim, len(vector)), nil)
	}
	return nil
}

func (q *qdrantClient) collectionPath(suffix string) string {
	return "/collections/" + q.collection + suffix
}

// doJSON performs a request against Qdrant, decoding the standard
// result envelope into out when provided.
func (q *qdrantClient) doJSON(ctx context.Context, op, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return opErr(op, OperationErrorRequest, "failed to encode request body", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, reader)
	if err != nil {
		return opErr(op, OperationErrorRequest, "failed to build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := q.http.Do(req)
	if err != nil {
		return opErr(op, OperationErrorTransport, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return opErr(op, OperationErrorResponse,
			fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))), nil)
	}

	if out == nil {
		return nil
	}
	var envelope qdrantEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return opErr(op, OperationErrorResponse, "failed to decode response envelope", err)
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return opErr(op, OperationErrorResponse, "failed to decode result", err)
	}
	return nil
}

// decodePointID handles both string and integer point identifiers
func decodePointID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return string(raw)
}
