// Package store mirrors live call state into Valkey and publishes telemetry batches.
package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/ent0n29/voicerelay/internal/outbound"
	"github.com/ent0n29/voicerelay/internal/session"
)

// Cache provides active-call tracking and telemetry pub/sub using Valkey.
type Cache struct {
	client    valkey.Client
	prefix    string
	activeTTL time.Duration
}

func NewCache(ctx context.Context, url, password string, db int, activeTTL time.Duration) (*Cache, error) {
	opts := valkey.ClientOption{
		InitAddress: []string{url},
		SelectDB:    db,
	}
	if password != "" {
		opts.Password = password
	}

	client, err := valkey.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("create valkey client: %w", err)
	}

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping valkey: %w", err)
	}

	return newCache(client, activeTTL), nil
}

func newCache(client valkey.Client, activeTTL time.Duration) *Cache {
	if activeTTL <= 0 {
		activeTTL = time.Hour
	}
	return &Cache{client: client, prefix: "voicerelay", activeTTL: activeTTL}
}

func (c *Cache) Close() {
	c.client.Close()
}

func activeCallKey(prefix, callID string) string {
	return fmt.Sprintf("%s:call:active:%s", prefix, callID)
}

func telemetryChannel(prefix, callID string) string {
	return fmt.Sprintf("%s:telemetry:%s", prefix, callID)
}

// SetActiveCall records a call as live. Entries expire on their own so a crashed
// process does not leave calls behind forever.
func (c *Cache) SetActiveCall(ctx context.Context, s session.Summary) error {
	key := activeCallKey(c.prefix, s.CallID)

	cmd := c.client.B().Hset().Key(key).FieldValue().
		FieldValue("call_id", s.CallID).
		FieldValue("provider", s.Provider).
		FieldValue("state", s.State).
		FieldValue("created_at", s.CreatedAt.UTC().Format(time.RFC3339Nano)).
		Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("set active call: %w", err)
	}

	ttl := int64(c.activeTTL / time.Second)
	if ttl <= 0 {
		ttl = 1
	}
	return c.client.Do(ctx, c.client.B().Expire().Key(key).Seconds(ttl).Build()).Error()
}

func (c *Cache) RemoveActiveCall(ctx context.Context, callID string) error {
	return c.client.Do(ctx, c.client.B().Del().Key(activeCallKey(c.prefix, callID)).Build()).Error()
}

// ActiveCallCount counts live calls across every relay instance sharing this Valkey.
func (c *Cache) ActiveCallCount(ctx context.Context) (int64, error) {
	keys, err := c.client.Do(ctx, c.client.B().Keys().Pattern(activeCallKey(c.prefix, "*")).Build()).AsStrSlice()
	if err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

// Deliver publishes an outbound batch on the call's telemetry channel.
func (c *Cache) Deliver(ctx context.Context, b outbound.Batch) error {
	channel := telemetryChannel(c.prefix, b.CallID)
	msg := b.Encoding + ":" + strconv.Itoa(b.Count) + ":" + string(b.Body)
	if err := c.client.Do(ctx, c.client.B().Publish().Channel(channel).Message(msg).Build()).Error(); err != nil {
		return fmt.Errorf("publish telemetry: %w", err)
	}
	return nil
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Do(ctx, c.client.B().Ping().Build()).Error()
}
