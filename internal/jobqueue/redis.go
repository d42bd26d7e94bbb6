// Package jobqueue pushes submitted video jobs onto Redis lists for the
// polling workers.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/renderledger/internal/render"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	QueueVideoPreview = "video-preview-jobs"
	QueueVideoFinal   = "video-final-jobs"
)

var ErrInvalidConfig = errors.New("invalid job queue config")

// Envelope is the list entry format.
type Envelope struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"createdAt"`
	Payload   render.TrackedJob `json:"payload"`
}

// Config holds the Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

type listPusher interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// Tracker implements render.JobTracker on Redis lists.
type Tracker struct {
	client listPusher
	now    func() time.Time
	newID  func() string
}

// NewTracker connects a Tracker to Redis.
func NewTracker(cfg Config) (*Tracker, *redis.Client, error) {
	if cfg.Addr == "" {
		return nil, nil, fmt.Errorf("%w: redis address is required", ErrInvalidConfig)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newTracker(client), client, nil
}

func newTracker(client listPusher) *Tracker {
	return &Tracker{client: client, now: time.Now, newID: uuid.NewString}
}

// Track pushes job onto the list for its kind.
func (tracker *Tracker) Track(ctx context.Context, job render.TrackedJob) error {
	queue, err := QueueFor(job.Kind)
	if err != nil {
		return err
	}
	entry, err := json.Marshal(Envelope{ID: tracker.newID(), CreatedAt: tracker.now().UTC(), Payload: job})
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := tracker.client.LPush(ctx, queue, entry).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", queue, err)
	}
	return nil
}

// QueueFor returns the list name for a video kind.
func QueueFor(kind render.Kind) (string, error) {
	switch kind {
	case render.KindVideoPreview:
		return QueueVideoPreview, nil
	case render.KindVideoFinal:
		return QueueVideoFinal, nil
	default:
		return "", fmt.Errorf("%w: %s renders are not queued", render.ErrInvalidKind, kind)
	}
}
