package models

import "time"

// VideoResponse represents a video in API responses
type VideoResponse struct {
	ID           string    `json:"id"`
	Filename     string    `json:"filename"`
	AssetName    string    `json:"assetName,omitempty"`
	Category     string    `json:"category,omitempty"`
	Manufacturer string    `json:"manufacturer,omitempty"`
	Location     string    `json:"location,omitempty"`
	ContentHash  string    `json:"contentHash"`
	FPS          int       `json:"fps"`
	Status       string    `json:"status"`
	TotalFrames  int       `json:"totalFrames"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// UpdateVideoRequest represents a PATCH payload for video settings
type UpdateVideoRequest struct {
	Filename     *string `json:"filename"`
	AssetName    *string `json:"assetName"`
	Category     *string `json:"category"`
	Manufacturer *string `json:"manufacturer"`
	Location     *string `json:"location"`
	FPS          *int    `json:"fps"`
}

// FrameResponse represents a frame in API responses
type FrameResponse struct {
	ID               string    `json:"id"`
	VideoID          string    `json:"videoId"`
	FrameNumber      int       `json:"frameNumber"`
	Status           string    `json:"status"`
	ThumbnailURL     string    `json:"thumbnailUrl,omitempty"`
	ImageURL         string    `json:"imageUrl,omitempty"`
	PointID          string    `json:"pointId,omitempty"`
	TrainingJobID    string    `json:"trainingJobId,omitempty"`
	TrainingAttempts int       `json:"trainingAttempts"`
	LastError        string    `json:"lastError,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// SelectFramesRequest toggles selection for a set of frames
type SelectFramesRequest struct {
	FrameIDs []string `json:"frameIds" binding:"required"`
	Selected bool     `json:"selected"`
}

// DeleteFramesRequest soft-deletes a set of frames
type DeleteFramesRequest struct {
	FrameIDs []string `json:"frameIds" binding:"required"`
}

// StartTrainingRequest starts a training job for a video
type StartTrainingRequest struct {
	FrameIDs []string               `json:"frameIds"` // optional explicit subset
	Metadata map[string]interface{} `json:"metadata"` // asset payload stored on each vector
}

// TrainingJobResponse represents a training job in API responses
type TrainingJobResponse struct {
	ID              string     `json:"id"`
	VideoID         string     `json:"videoId"`
	Status          string     `json:"status"`
	TotalFrames     int        `json:"totalFrames"`
	ProcessedFrames int        `json:"processedFrames"`
	FailedFrames    int        `json:"failedFrames"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	RolledBackAt    *time.Time `json:"rolledBackAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// JobStatusResponse adds progress estimation to the job view
type JobStatusResponse struct {
	TrainingJobResponse
	ProgressPercent     float64    `json:"progressPercent"`
	EstimatedCompletion *time.Time `json:"estimatedCompletion,omitempty"`
}

// SearchResult is one vector index match
type SearchResult struct {
	PointID string                 `json:"pointId"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

// DashboardResponse aggregates entity counts for the overview page
type DashboardResponse struct {
	TotalVideos    int64 `json:"totalVideos"`
	TotalFrames    int64 `json:"totalFrames"`
	SelectedFrames int64 `json:"selectedFrames"`
	TrainedFrames  int64 `json:"trainedFrames"`
	ActiveJobs     int64 `json:"activeJobs"`
	IndexedVectors int64 `json:"indexedVectors"`
}
