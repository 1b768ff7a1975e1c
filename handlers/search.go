package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/framelens/asset-training-backend/models"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 100
)

// Search handles POST /api/v1/search: queries the vector index with
// either an uploaded image (embedded on the fly) or the stored vector
// of an already-trained frame passed as frame_id
func (h *Handler) Search(c *gin.Context) {
	var image []byte
	frameID := c.PostForm("frame_id")
	if frameID == "" {
		file, _, err := c.Request.FormFile("image")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Either an image or a frame_id is required"})
			return
		}
		defer file.Close()

		image, err = io.ReadAll(file)
		if err != nil {
			h.respondError(c, err, "Failed to read image")
			return
		}
	}

	limit := defaultSearchLimit
	if raw := c.PostForm("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		if parsed > maxSearchLimit {
			parsed = maxSearchLimit
		}
		limit = parsed
	}

	threshold := 0.0
	if raw := c.PostForm("threshold"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed < 0 || parsed > 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "threshold must be between 0 and 1"})
			return
		}
		threshold = parsed
	}

	var filter map[string]interface{}
	if category := c.PostForm("category"); category != "" {
		filter = map[string]interface{}{"category": category}
	}

	ctx := c.Request.Context()
	var vector []float32
	var err error
	if frameID != "" {
		vector, err = h.repo.GetEmbeddingVector(frameID)
		if err != nil {
			h.respondError(c, err, "Failed to load the frame's stored vector")
			return
		}
	} else {
		vector, err = h.embedder.Embed(ctx, image)
		if err != nil {
			h.respondError(c, err, "Failed to embed query image")
			return
		}
	}

	matches, err := h.index.Search(ctx, vector, limit, threshold, filter)
	if err != nil {
		h.respondError(c, err, "Vector search failed")
		return
	}

	results := make([]models.SearchResult, 0, len(matches))
	for _, m := range matches {
		results = append(results, models.SearchResult{
			PointID: m.ID,
			Score:   m.Score,
			Payload: m.Payload,
		})
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}

// CollectionInfo handles GET /api/v1/collection
func (h *Handler) CollectionInfo(c *gin.Context) {
	info, err := h.index.CollectionInfo(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to get collection info")
		return
	}
	c.JSON(http.StatusOK, info)
}
