package bus

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// publishScript assigns the sequence number and a non-decreasing timestamp,
// writes the message hash and indexes it in the addressee's inbox in one step.
//
// KEYS: seq, clock, message hash, inbox
// ARGV: now_ms, id, from, to, type, run_id, payload
var publishScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
local now = ARGV[1]
local last = redis.call('GET', KEYS[2])
if last and tonumber(last) > tonumber(now) then
	now = last
end
redis.call('SET', KEYS[2], now)
redis.call('HSET', KEYS[3],
	'id', ARGV[2],
	'seq', seq,
	'from_agent', ARGV[3],
	'to_agent', ARGV[4],
	'type', ARGV[5],
	'run_id', ARGV[6],
	'payload', ARGV[7],
	'timestamp', now)
redis.call('ZADD', KEYS[4], seq, ARGV[2])
return {seq, tonumber(now)}
`)

// RedisBus is a Bus backed by Redis. It is safe for concurrent use.
type RedisBus struct {
	rdb       *redis.Client
	namespace string
	now       func() time.Time
}

// NewRedisBus creates a Redis-backed bus. All keys are namespaced so several
// deployments can share one Redis server.
func NewRedisBus(redisOpts *redis.Options, namespace string) (*RedisBus, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}

	return &RedisBus{
		rdb:       redis.NewClient(redisOpts),
		namespace: namespace,
		now:       time.Now,
	}, nil
}

// Close closes the Redis connection.
func (b *RedisBus) Close() error {
	return b.rdb.Close()
}

// Ping verifies Redis connectivity.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, msg *Message) (Ack, error) {
	if err := msg.Validate(); err != nil {
		return Ack{}, fmt.Errorf("invalid message: %w", err)
	}

	keys := []string{
		SeqKey(b.namespace),
		ClockKey(b.namespace),
		MessageKey(b.namespace, msg.ID),
		InboxKey(b.namespace, msg.To),
	}
	res, err := publishScript.Run(ctx, b.rdb, keys,
		b.now().UnixMilli(), msg.ID, msg.From, msg.To, msg.Type, msg.RunID, string(msg.Payload),
	).Slice()
	if err != nil {
		return Ack{}, fmt.Errorf("failed to write message to Redis: %w", err)
	}
	if len(res) != 2 {
		return Ack{}, fmt.Errorf("unexpected publish script reply: %v", res)
	}

	seq, _ := res[0].(int64)
	ts, _ := res[1].(int64)
	msg.Seq = seq
	msg.Timestamp = ts

	// The message is already durable; a lost nudge only delays the consumer
	// until its next poll.
	channel := AgentEventsChannel(b.namespace, msg.To)
	if err := b.rdb.Publish(ctx, channel, msg.ID).Err(); err != nil {
		log.Printf("[WARN] Failed to nudge %s after publishing %s: %v", msg.To, msg.ID, err)
	}

	return Ack{ID: msg.ID, Seq: seq, Timestamp: ts}, nil
}

// Consume implements Bus.
func (b *RedisBus) Consume(ctx context.Context, agent string, since int64) ([]*Message, error) {
	if !IsAgent(agent) {
		return nil, fmt.Errorf("unknown agent: %q", agent)
	}

	ids, err := b.rdb.ZRangeByScore(ctx, InboxKey(b.namespace, agent), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(since, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox for %s: %w", agent, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := b.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, MessageKey(b.namespace, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read messages for %s: %w", agent, err)
	}

	messages := make([]*Message, 0, len(ids))
	for i, cmd := range cmds {
		hash, err := cmd.Result()
		if err != nil || len(hash) == 0 {
			// Pruned between the range read and the fetch.
			continue
		}
		if hash["acked_at"] != "" {
			continue
		}
		msg, err := hashToMessage(hash)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize message %s: %w", ids[i], err)
		}
		messages = append(messages, msg)
	}

	sortMessages(messages)
	return messages, nil
}

// Acknowledge implements Bus.
func (b *RedisBus) Acknowledge(ctx context.Context, messageID string) error {
	key := MessageKey(b.namespace, messageID)
	to, err := b.rdb.HGet(ctx, key, "to_agent").Result()
	if err == redis.Nil {
		return fmt.Errorf("%w: %s", ErrNotFound, messageID)
	}
	if err != nil {
		return fmt.Errorf("failed to read message %s: %w", messageID, err)
	}

	now := b.now().UnixMilli()
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "acked_at", now)
		pipe.ZRem(ctx, InboxKey(b.namespace, to), messageID)
		pipe.ZAddNX(ctx, AckedKey(b.namespace), redis.Z{Score: float64(now), Member: messageID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to acknowledge message %s: %w", messageID, err)
	}
	return nil
}

// Pending implements Bus.
func (b *RedisBus) Pending(ctx context.Context, agent string) (int64, error) {
	n, err := b.rdb.ZCard(ctx, InboxKey(b.namespace, agent)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count inbox for %s: %w", agent, err)
	}
	return n, nil
}

// Prune implements Bus.
func (b *RedisBus) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	ackedKey := AckedKey(b.namespace)
	ids, err := b.rdb.ZRangeByScore(ctx, ackedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list acknowledged messages: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	members := make([]interface{}, len(ids))
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			pipe.Del(ctx, MessageKey(b.namespace, id))
			members[i] = id
		}
		pipe.ZRem(ctx, ackedKey, members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune messages: %w", err)
	}
	return len(ids), nil
}

// Notify implements Notifier using the agent's pub/sub channel.
func (b *RedisBus) Notify(ctx context.Context, agent string) (<-chan struct{}, error) {
	pubsub := b.rdb.Subscribe(ctx, AgentEventsChannel(b.namespace, agent))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s events: %w", agent, err)
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer close(wake)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	}()

	return wake, nil
}

func hashToMessage(hash map[string]string) (*Message, error) {
	seq, err := strconv.ParseInt(hash["seq"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid seq %q: %w", hash["seq"], err)
	}
	ts, err := strconv.ParseInt(hash["timestamp"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp %q: %w", hash["timestamp"], err)
	}

	msg := &Message{
		ID:        hash["id"],
		Seq:       seq,
		From:      hash["from_agent"],
		To:        hash["to_agent"],
		Type:      hash["type"],
		RunID:     hash["run_id"],
		Timestamp: ts,
	}
	if p := hash["payload"]; p != "" {
		msg.Payload = []byte(p)
	}
	return msg, nil
}

func sortMessages(messages []*Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].Timestamp != messages[j].Timestamp {
			return messages[i].Timestamp < messages[j].Timestamp
		}
		return messages[i].Seq < messages[j].Seq
	})
}
