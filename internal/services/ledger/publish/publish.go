// Package publish fans committed journal events out over Redis pub/sub and
// tracks the published head of every scope.
//
// Delivery is at most once: subscribers that fall behind or reconnect read
// the journal from the head they last saw.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/louisbranch/evidence.space/internal/platform/logging"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
)

// HeadsKey is the hash mapping scope id to the highest published seq.
const HeadsKey = "evidence:heads"

// Channel returns the pub/sub channel for a scope's events.
func Channel(scopeID string) string {
	return "evidence:scope:" + scopeID + ":events"
}

// advanceHead raises a scope head and never lowers it, so late deliveries
// of older events leave the head alone.
var advanceHead = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local next = tonumber(ARGV[2])
if next > current then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
  return next
end
return current
`)

// Message is the JSON published for each event.
type Message struct {
	ScopeID       string          `json:"scope_id"`
	Seq           uint64          `json:"seq"`
	Type          string          `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	ActorType     string          `json:"actor_type"`
	ActorID       string          `json:"actor_id,omitempty"`
	EntityType    string          `json:"entity_type,omitempty"`
	EntityID      string          `json:"entity_id,omitempty"`
	RequestID     string          `json:"request_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	ChainHash     string          `json:"chain_hash"`
	Payload       json.RawMessage `json:"payload"`
}

// MessageFor builds the published form of evt.
func MessageFor(evt event.Event) Message {
	return Message{
		ScopeID:       evt.ScopeID,
		Seq:           evt.Seq,
		Type:          string(evt.Type),
		Timestamp:     evt.Timestamp.UTC(),
		ActorType:     string(evt.ActorType),
		ActorID:       evt.ActorID,
		EntityType:    evt.EntityType,
		EntityID:      evt.EntityID,
		RequestID:     evt.RequestID,
		CorrelationID: evt.CorrelationID,
		ChainHash:     evt.ChainHash,
		Payload:       json.RawMessage(evt.PayloadJSON),
	}
}

// Publisher writes events to Redis.
type Publisher struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects a Publisher with opts.
func New(opts *redis.Options, logger *zap.Logger) (*Publisher, error) {
	if opts == nil || opts.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	return &Publisher{rdb: redis.NewClient(opts), logger: logging.OrNop(logger)}, nil
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.rdb.Close()
}

// Ping verifies Redis connectivity.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// Publish sends evt to its scope channel and advances the scope head.
func (p *Publisher) Publish(ctx context.Context, evt event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if evt.ScopeID == "" || evt.Seq == 0 {
		return fmt.Errorf("publish requires a stored event")
	}
	data, err := json.Marshal(MessageFor(evt))
	if err != nil {
		return fmt.Errorf("marshal event %s/%d: %w", evt.ScopeID, evt.Seq, err)
	}
	if err := p.rdb.Publish(ctx, Channel(evt.ScopeID), data).Err(); err != nil {
		return fmt.Errorf("publish event %s/%d: %w", evt.ScopeID, evt.Seq, err)
	}
	if err := advanceHead.Run(ctx, p.rdb, []string{HeadsKey}, evt.ScopeID, evt.Seq).Err(); err != nil {
		return fmt.Errorf("advance head %s: %w", evt.ScopeID, err)
	}
	p.logger.Debug("event published",
		zap.String("scope_id", evt.ScopeID),
		zap.Uint64("seq", evt.Seq),
	)
	return nil
}

// Head returns the highest published seq for a scope, or 0.
func (p *Publisher) Head(ctx context.Context, scopeID string) (uint64, error) {
	raw, err := p.rdb.HGet(ctx, HeadsKey, scopeID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get head %s: %w", scopeID, err)
	}
	return strconv.ParseUint(raw, 10, 64)
}

// Heads returns every published scope head.
func (p *Publisher) Heads(ctx context.Context) (map[string]uint64, error) {
	raw, err := p.rdb.HGetAll(ctx, HeadsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("get heads: %w", err)
	}
	heads := make(map[string]uint64, len(raw))
	for scopeID, value := range raw {
		seq, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse head %s: %w", scopeID, err)
		}
		heads[scopeID] = seq
	}
	return heads, nil
}

// Subscription delivers the messages of one scope.
type Subscription struct {
	messages <-chan Message
	errors   <-chan error
	cancel   func()
	once     sync.Once
}

// Messages is closed when the subscription ends.
func (s *Subscription) Messages() <-chan Message {
	return s.messages
}

// Errors reports messages that could not be decoded. They are skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Subscribe listens to a scope's channel until ctx is done or Close is
// called. It returns once Redis confirmed the subscription.
func (p *Publisher) Subscribe(ctx context.Context, scopeID string) (*Subscription, error) {
	pubsub := p.rdb.Subscribe(ctx, Channel(scopeID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", scopeID, err)
	}

	messages := make(chan Message, 16)
	errs := make(chan error, 16)
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(messages)
		defer close(errs)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var m Message
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					select {
					case errs <- fmt.Errorf("decode message on %s: %w", msg.Channel, err):
					case <-subCtx.Done():
						return
					}
					continue
				}
				select {
				case messages <- m:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{messages: messages, errors: errs, cancel: cancel}, nil
}
