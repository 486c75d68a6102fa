package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/ChatSync/internal/models"
)

// Compile-time check that RedisSource implements Source.
var _ Source = (*RedisSource)(nil)

// RedisSource keeps a room's history in a Redis list so several ChatSync
// instances can share one conversation. Accepted messages are re-identified
// with a ULID.
type RedisSource struct {
	client *redis.Client
	room   string
}

// NewRedisSource connects to redisURL and verifies the connection.
func NewRedisSource(ctx context.Context, redisURL, room string) (*RedisSource, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisSourceFromClient(client, room), nil
}

// NewRedisSourceFromClient wraps an existing client.
func NewRedisSourceFromClient(client *redis.Client, room string) *RedisSource {
	if room == "" {
		room = "general"
	}
	return &RedisSource{client: client, room: room}
}

// Close closes the Redis connection.
func (s *RedisSource) Close() error {
	return s.client.Close()
}

// messagesKey holds the ordered JSON-encoded history of a room.
func messagesKey(room string) string {
	return fmt.Sprintf("chatsync:room:%s:messages", room)
}

// acceptedKey maps client-generated ids to the server ids they were given.
func acceptedKey(room string) string {
	return fmt.Sprintf("chatsync:room:%s:accepted", room)
}

// FetchAll implements Source.
func (s *RedisSource) FetchAll(ctx context.Context) ([]models.Message, error) {
	raw, err := s.client.LRange(ctx, messagesKey(s.room), 0, -1).Result()
	if err != nil {
		return nil, NewTransientError("fetch all", err)
	}
	msgs := make([]models.Message, 0, len(raw))
	for _, item := range raw {
		var m models.Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			slog.Warn("RedisSource.FetchAll: skipping undecodable entry", "room", s.room, "error", err)
			continue
		}
		msgs = append(msgs, m)
	}
	slog.Debug("RedisSource.FetchAll succeeded", "room", s.room, "count", len(msgs))
	return msgs, nil
}

// Send implements Source. Resending a message whose local id was already
// accepted returns the original server copy.
func (s *RedisSource) Send(ctx context.Context, m models.Message) (models.Message, error) {
	accepted := m.WithPendingSync(false)
	accepted.ID = ulid.Make().String()

	claimed, err := s.client.HSetNX(ctx, acceptedKey(s.room), m.ID, accepted.ID).Result()
	if err != nil {
		return models.Message{}, NewTransientError("send", err)
	}
	if !claimed {
		serverID, err := s.client.HGet(ctx, acceptedKey(s.room), m.ID).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return models.Message{}, NewTransientError("send", err)
		}
		slog.Debug("RedisSource.Send: already accepted", "localID", m.ID, "serverID", serverID)
		return m.WithID(serverID).WithPendingSync(false), nil
	}

	data, err := json.Marshal(accepted)
	if err != nil {
		return models.Message{}, fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	if err := s.client.RPush(ctx, messagesKey(s.room), data).Err(); err != nil {
		// Release the claim so a later retry can append.
		s.client.HDel(context.WithoutCancel(ctx), acceptedKey(s.room), m.ID)
		return models.Message{}, NewTransientError("send", err)
	}
	slog.Debug("RedisSource.Send: accepted", "room", s.room, "localID", m.ID, "serverID", accepted.ID)
	return accepted, nil
}
