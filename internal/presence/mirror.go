package presence

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	mirrorKey     = "presence:snapshot"
	mirrorChannel = "presence:updates"
)

// Mirror projects presence snapshots into Redis so external dashboards can
// observe the broker without talking to it. It is write-only and best-effort:
// the core never reads the mirrored state back.
type Mirror struct {
	client redis.Cmdable
}

// NewMirror creates a Mirror backed by the given Redis client.
func NewMirror(client redis.Cmdable) *Mirror {
	return &Mirror{client: client}
}

// Publish stores the snapshot under a well-known key and announces it on the
// updates channel. Failures are logged and swallowed.
func (m *Mirror) Publish(users []Info) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := json.Marshal(users)
	if err != nil {
		log.Printf("presence: failed to marshal snapshot for mirror: %v", err)
		return
	}

	pipe := m.client.Pipeline()
	pipe.Set(ctx, mirrorKey, data, 0)
	pipe.Publish(ctx, mirrorChannel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("presence: failed to mirror snapshot: %v", err)
	}
}
