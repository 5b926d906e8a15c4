package status

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"gowa-dispatch/internal/model"
)

const DefaultPrefix = "wa-status:"

// Writer mirrors session status into Redis under <prefix><sessionId>.
// A Writer without a client is a no-op.
type Writer struct {
	client *redis.Client
	prefix string
	log    zerolog.Logger
}

// NewWriter parses redisURL. An empty URL yields a disabled writer.
func NewWriter(redisURL string, log zerolog.Logger) (*Writer, error) {
	w := &Writer{prefix: DefaultPrefix, log: log}
	if strings.TrimSpace(redisURL) == "" {
		return w, nil
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	w.client = redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis ping failed, status writes will be retried per event")
	}
	return w, nil
}

func (w *Writer) Enabled() bool {
	return w != nil && w.client != nil
}

func (w *Writer) Key(sessionID string) string {
	return w.prefix + sessionID
}

// Deliver handles session.update events and ignores everything else.
// Deleted sessions drop their key.
func (w *Writer) Deliver(ctx context.Context, evt model.Event) error {
	if !w.Enabled() || evt.Event != model.EventNameSessionUpdate || evt.SessionID == "" {
		return nil
	}
	value, _ := evt.Data["status"].(string)
	if value == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if deleted, _ := evt.Data["deleted"].(bool); deleted {
		return w.client.Del(ctx, w.Key(evt.SessionID)).Err()
	}
	return w.client.Set(ctx, w.Key(evt.SessionID), strings.TrimSpace(value), 0).Err()
}

// Get returns the mirrored status, or "" when nothing is stored.
func (w *Writer) Get(ctx context.Context, sessionID string) (string, error) {
	if !w.Enabled() {
		return "", nil
	}
	v, err := w.client.Get(ctx, w.Key(sessionID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func (w *Writer) Close() error {
	if !w.Enabled() {
		return nil
	}
	return w.client.Close()
}
