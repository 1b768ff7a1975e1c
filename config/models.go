package config

import (
	"time"

	"gorm.io/gorm"
)

// Video represents an uploaded video asset in the database
type Video struct {
	ID           string `gorm:"primaryKey"`
	Filename     string
	AssetName    string
	Category     string `gorm:"index"`
	Manufacturer string
	Location     string
	ContentHash  string `gorm:"uniqueIndex"` // MD5 of the uploaded bytes, dedup key
	ObjectKey    string // source asset key in object storage
	FPS          int
	Status       string `gorm:"index"`
	TotalFrames  int
	ErrorMessage string `gorm:"type:text"`
	CreatedAt    time.Time
	UpdatedAt    time.Time

	Frames []Frame `gorm:"constraint:OnDelete:CASCADE"`
}

// TableName overrides the table name
func (Video) TableName() string {
	return "videos"
}

// Frame represents a single still image extracted from a video
type Frame struct {
	ID               string `gorm:"primaryKey"`
	VideoID          string `gorm:"index;not null"`
	FrameNumber      int    `gorm:"index"`
	ObjectKey        string
	ThumbnailKey     string
	Status           string  `gorm:"index"`
	PointID          *string `gorm:"uniqueIndex"` // vector index identifier, set once trained
	TrainingJobID    *string `gorm:"index"`
	TrainingAttempts int
	LastError        string `gorm:"type:text"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
	DeletedAt        gorm.DeletedAt `gorm:"index"`
}

// TableName overrides the table name
func (Frame) TableName() string {
	return "frames"
}

// FrameEmbedding holds a disaster-recovery replica of an indexed vector,
// one-to-one with its frame
type FrameEmbedding struct {
	ID        string `gorm:"primaryKey"`
	FrameID   string `gorm:"uniqueIndex;not null"`
	Vector    string `gorm:"type:text"` // JSON-encoded float32 slice
	Dimension int
	CreatedAt time.Time
}

// TableName overrides the table name
func (FrameEmbedding) TableName() string {
	return "frame_embeddings"
}

// TrainingJob represents a training run over a video's selected frames
type TrainingJob struct {
	ID              string `gorm:"primaryKey"`
	VideoID         string `gorm:"index;not null"`
	Status          string `gorm:"index"`
	TotalFrames     int
	ProcessedFrames int
	FailedFrames    int
	ErrorMessage    string `gorm:"type:text"`
	ClientSessionID string
	StartedAt       *time.Time
	CompletedAt     *time.Time
	RolledBackAt    *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TableName overrides the table name
func (TrainingJob) TableName() string {
	return "training_jobs"
}

// ProcessingLog is an append-only audit record of a state-changing action
type ProcessingLog struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	EntityType string `gorm:"index"`
	EntityID   string `gorm:"index"`
	Action     string
	Outcome    string
	Message    string `gorm:"type:text"`
	Metadata   string `gorm:"type:jsonb"` // structured context as JSON
	CreatedAt  time.Time
}

// TableName overrides the table name
func (ProcessingLog) TableName() string {
	return "processing_logs"
}
