package notify

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LogSink writes every event to the logger.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Notify(ctx context.Context, ev Event) error {
	s.Logger.Info("Notification",
		zap.String("type", string(ev.Type)),
		zap.String("content_id", ev.ContentID),
		zap.String("channel_id", ev.ChannelID),
		zap.String("message", ev.Message))
	return nil
}

// RedisSink publishes events on a Redis channel and keeps the most recent
// ones in a capped list for dashboards that poll.
type RedisSink struct {
	rdb     *redis.Client
	channel string
	listKey string
	keep    int64
}

func NewRedisSink(rdb *redis.Client, channel, listKey string, keep int) *RedisSink {
	if keep <= 0 {
		keep = 100
	}
	return &RedisSink{rdb: rdb, channel: channel, listKey: listKey, keep: int64(keep)}
}

func (s *RedisSink) Notify(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	pipe := s.rdb.Pipeline()
	pipe.Publish(ctx, s.channel, data)
	if s.listKey != "" {
		pipe.LPush(ctx, s.listKey, data)
		pipe.LTrim(ctx, s.listKey, 0, s.keep-1)
	}
	_, err = pipe.Exec(ctx)
	return err
}
