// Package redisstreams provides a messaging.Transport backed by Redis
// Streams consumer groups, grounded on the stream-per-topic + XReadGroup
// read-loop pattern: one stream per endpoint, the consumer group named by
// Config.GroupName (default "sagaflow") with a per-instance consumer name,
// at-least-once delivery via XAck after a handler succeeds.
package redisstreams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"sagaflow/logging"
	"sagaflow/messaging"
)

// client captures the subset of go-redis commands relied on, so tests can
// substitute a fake without a live Redis server.
type client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	Close() error
}

// Config describes how the Redis Streams transport connects and behaves.
type Config struct {
	Client       redis.UniversalClient
	Addr         string
	Username     string
	Password     string
	DB           int
	StreamPrefix string
	GroupName    string
	ConsumerName string
	BlockTimeout time.Duration
	ReadCount    int64
	Logger       logging.Logger

	MinReadBackoff time.Duration
	MaxReadBackoff time.Duration
}

type subscription struct {
	handler messaging.Handler
}

// Transport is a messaging.Transport backed by Redis Streams.
type Transport struct {
	cfg       Config
	client    client
	ownClient bool
	logger    logging.Logger

	subs map[string]*subscription

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	published int64
	delivered int64
}

// New constructs a Redis Streams transport.
func New(cfg Config) (*Transport, error) {
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "sagaflow:"
	}
	if cfg.GroupName == "" {
		cfg.GroupName = "sagaflow"
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "consumer-" + uuid.NewString()
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 10
	}
	if cfg.MinReadBackoff <= 0 {
		cfg.MinReadBackoff = 100 * time.Millisecond
	}
	if cfg.MaxReadBackoff <= 0 {
		cfg.MaxReadBackoff = 5 * time.Second
	}

	var cl client
	var own bool
	if cfg.Client != nil {
		cl = cfg.Client
	} else {
		cl = redis.NewClient(&redis.Options{Addr: cfg.Addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB})
		own = true
	}
	if cl == nil {
		return nil, errors.New("redis client not configured")
	}

	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger().WithFields(logging.String("component", "transport.redisstreams"))
	}

	return &Transport{
		cfg:       cfg,
		client:    cl,
		ownClient: own,
		logger:    cfg.Logger,
		subs:      make(map[string]*subscription),
	}, nil
}

func (t *Transport) streamName(endpoint string) string {
	return t.cfg.StreamPrefix + endpoint
}

// Publish writes env to the stream named for opts.Endpoint. A positive
// DelayMs is emulated with a sleeping goroutine, since Redis Streams has no
// native deferred-visibility primitive.
func (t *Transport) Publish(ctx context.Context, env *messaging.Envelope, opts messaging.PublishOptions) error {
	t.mu.RLock()
	running := t.running
	t.mu.RUnlock()
	if !running {
		return fmt.Errorf("redis streams transport: not running")
	}

	for k, v := range opts.Headers {
		env = env.WithHeader(k, v)
	}

	if opts.DelayMs > 0 {
		delay := time.Duration(opts.DelayMs) * time.Millisecond
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
				if err := t.xadd(context.Background(), opts.Endpoint, env); err != nil {
					t.logger.Warn(context.Background(), "delayed publish failed",
						logging.String("endpoint", opts.Endpoint), logging.Error(err))
				}
			case <-t.ctx.Done():
			}
		}()
		return nil
	}

	return t.xadd(ctx, opts.Endpoint, env)
}

func (t *Transport) xadd(ctx context.Context, endpoint string, env *messaging.Envelope) error {
	values, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	err = t.client.XAdd(ctx, &redis.XAddArgs{Stream: t.streamName(endpoint), Values: values}).Err()
	if err == nil {
		atomic.AddInt64(&t.published, 1)
	}
	return err
}

// Subscribe registers handler for opts.Endpoint's stream. A consumer group
// and read loop are created lazily on Start (or immediately if already
// running).
func (t *Transport) Subscribe(ctx context.Context, opts messaging.SubscribeOptions, handler messaging.Handler) error {
	t.mu.Lock()
	if _, exists := t.subs[opts.Endpoint]; exists {
		t.mu.Unlock()
		return fmt.Errorf("redis streams transport: endpoint %q already subscribed", opts.Endpoint)
	}
	t.subs[opts.Endpoint] = &subscription{handler: handler}
	running := t.running
	t.mu.Unlock()

	if running {
		t.startReader(opts.Endpoint)
	}
	return nil
}

func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("redis streams transport: already running")
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.running = true
	endpoints := make([]string, 0, len(t.subs))
	for ep := range t.subs {
		endpoints = append(endpoints, ep)
	}
	t.mu.Unlock()

	for _, ep := range endpoints {
		t.startReader(ep)
	}
	return nil
}

func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return fmt.Errorf("redis streams transport: not running")
	}
	t.running = false
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if t.ownClient {
		return t.client.Close()
	}
	return nil
}

func (t *Transport) Stats() messaging.TransportStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	endpoints := make([]string, 0, len(t.subs))
	for ep := range t.subs {
		endpoints = append(endpoints, ep)
	}
	return messaging.TransportStats{
		Running:   t.running,
		Endpoints: endpoints,
		Published: atomic.LoadInt64(&t.published),
		Delivered: atomic.LoadInt64(&t.delivered),
	}
}

func (t *Transport) startReader(endpoint string) {
	t.wg.Add(1)
	go t.readLoop(endpoint)
}

func (t *Transport) readLoop(endpoint string) {
	defer t.wg.Done()
	stream := t.streamName(endpoint)
	if err := t.ensureGroup(stream); err != nil {
		t.logger.Warn(t.ctx, "ensure consumer group failed", logging.String("stream", stream), logging.Error(err))
	}

	args := &redis.XReadGroupArgs{
		Group:    t.cfg.GroupName,
		Consumer: t.cfg.ConsumerName,
		Streams:  []string{stream, ">"},
		Count:    t.cfg.ReadCount,
		Block:    t.cfg.BlockTimeout,
	}
	backoff := t.cfg.MinReadBackoff
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		res, err := t.client.XReadGroup(t.ctx, args).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			t.logger.Warn(t.ctx, "xreadgroup failed", logging.Duration("backoff", backoff), logging.Error(err))
			time.Sleep(backoff)
			backoff *= 2
			if backoff > t.cfg.MaxReadBackoff {
				backoff = t.cfg.MaxReadBackoff
			}
			continue
		}
		backoff = t.cfg.MinReadBackoff

		t.mu.RLock()
		sub := t.subs[endpoint]
		t.mu.RUnlock()
		if sub == nil {
			continue
		}

		for _, streamRes := range res {
			for _, entry := range streamRes.Messages {
				env, decodeErr := decodeEnvelope(entry)
				if decodeErr != nil {
					t.logger.Warn(t.ctx, "decode stream entry failed", logging.Error(decodeErr))
					_ = t.client.XAck(t.ctx, streamRes.Stream, t.cfg.GroupName, entry.ID).Err()
					continue
				}
				if err := sub.handler(t.ctx, env); err != nil {
					t.logger.Warn(t.ctx, "handler failed", logging.String("endpoint", endpoint), logging.Error(err))
					continue
				}
				atomic.AddInt64(&t.delivered, 1)
				if ackErr := t.client.XAck(t.ctx, streamRes.Stream, t.cfg.GroupName, entry.ID).Err(); ackErr != nil {
					t.logger.Warn(t.ctx, "xack failed", logging.Error(ackErr))
				}
			}
		}
	}
}

func (t *Transport) ensureGroup(stream string) error {
	err := t.client.XGroupCreateMkStream(t.ctx, stream, t.cfg.GroupName, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP") {
		return nil
	}
	return err
}

func encodeEnvelope(env *messaging.Envelope) (map[string]interface{}, error) {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return nil, err
	}
	headers, err := json.Marshal(env.Headers)
	if err != nil {
		return nil, err
	}
	ts := env.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return map[string]interface{}{
		"id":           env.ID,
		"type":         env.Type,
		"timestamp":    ts.UnixNano(),
		"payload":      string(payload),
		"headers":      string(headers),
		"partitionKey": env.PartitionKey,
	}, nil
}

func decodeEnvelope(entry redis.XMessage) (*messaging.Envelope, error) {
	id, _ := entry.Values["id"].(string)
	msgType, _ := entry.Values["type"].(string)
	partitionKey, _ := entry.Values["partitionKey"].(string)

	payloadRaw, _ := entry.Values["payload"].(string)
	headersRaw, _ := entry.Values["headers"].(string)

	var payload interface{}
	if payloadRaw != "" {
		if err := json.Unmarshal([]byte(payloadRaw), &payload); err != nil {
			return nil, err
		}
	}
	headers := make(map[string]string)
	if headersRaw != "" {
		if err := json.Unmarshal([]byte(headersRaw), &headers); err != nil {
			return nil, err
		}
	}

	ts := time.Now()
	switch v := entry.Values["timestamp"].(type) {
	case int64:
		ts = time.Unix(0, v)
	case string:
		if ns, err := strconv.ParseInt(v, 10, 64); err == nil {
			ts = time.Unix(0, ns)
		}
	}

	if id == "" {
		id = entry.ID
	}

	return &messaging.Envelope{
		ID:           id,
		Type:         msgType,
		Payload:      payload,
		Headers:      headers,
		Timestamp:    ts,
		PartitionKey: partitionKey,
	}, nil
}
