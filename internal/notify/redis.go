package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/pravasi/internal/observability"
	"github.com/pitabwire/pravasi/model"
)

// RedisDispatcher appends events to a Redis stream. Mail and SMS workers
// consume the stream with their own consumer groups.
type RedisDispatcher struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

// NewRedisDispatcher creates a dispatcher writing to stream. A positive
// maxLen caps the stream approximately.
func NewRedisDispatcher(client redis.Cmdable, stream string, maxLen int64) *RedisDispatcher {
	return &RedisDispatcher{client: client, stream: stream, maxLen: maxLen}
}

// Notify adds one stream entry per event. The full event is stored as JSON
// under "payload" next to flat routing fields and the trace context.
func (d *RedisDispatcher) Notify(ctx context.Context, ev model.TransitionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal transition event: %w", err)
	}

	values := map[string]any{
		"event_id":   ev.ID,
		"entity_id":  ev.EntityID,
		"machine":    ev.Machine,
		"from":       ev.From,
		"to":         ev.To,
		"recipients": strings.Join(ev.Recipients, ","),
		"payload":    payload,
	}
	if ev.RiskBand != "" {
		values["risk_band"] = string(ev.RiskBand)
	}
	for k, v := range observability.TraceCarrier(ctx) {
		values[k] = v
	}

	args := &redis.XAddArgs{
		Stream: d.stream,
		Values: values,
	}
	if d.maxLen > 0 {
		args.MaxLen = d.maxLen
		args.Approx = true
	}
	if err := d.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd %q: %w", d.stream, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (d *RedisDispatcher) HealthCheck(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}
