package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/kevinxiao27/collabdoc/ol"
)

// Relay carries operations between server instances that host the same
// document.
type Relay interface {
	Publish(ctx context.Context, docID string, op ol.Operation) error
	// Subscribe calls deliver for every operation published by another
	// instance until ctx is done.
	Subscribe(ctx context.Context, docID string, deliver func(ol.Operation))
}

type relayMessage struct {
	Instance  string       `json:"instance"`
	Operation ol.Operation `json:"op"`
}

type redisRelay struct {
	client   *redis.Client
	instance string
	logger   *slog.Logger
}

func newRedisRelay(ctx context.Context, addr, instance string, logger *slog.Logger) (*redisRelay, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}
	return &redisRelay{client: client, instance: instance, logger: logger}, nil
}

func channel(docID string) string { return "collabdoc:ops:" + docID }

func (r *redisRelay) Publish(ctx context.Context, docID string, op ol.Operation) error {
	payload, err := json.Marshal(relayMessage{Instance: r.instance, Operation: op})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, channel(docID), payload).Err()
}

func (r *redisRelay) Subscribe(ctx context.Context, docID string, deliver func(ol.Operation)) {
	pubsub := r.client.Subscribe(ctx, channel(docID))
	go func() {
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var m relayMessage
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					r.logger.Warn("dropping malformed relay message", "doc", docID, "error", err)
					continue
				}
				if m.Instance == r.instance {
					continue
				}
				deliver(m.Operation)
			}
		}
	}()
}

func (r *redisRelay) Close() error { return r.client.Close() }
