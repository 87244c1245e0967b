// Package natsjetstream provides a messaging.Transport backed by NATS
// JetStream: one subject per endpoint, a durable queue-group consumer per
// subscription, manual ack after the handler succeeds.
package natsjetstream

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"sagaflow/logging"
	"sagaflow/messaging"
)

// Config configures the JetStream transport.
type Config struct {
	URL           string
	Stream        string
	SubjectPrefix string
	DurablePrefix string
	AckWait       time.Duration
	MaxAckPending int
	Logger        logging.Logger
	Conn          *nats.Conn

	Retention         string // workqueue|limits|interest, default workqueue
	MaxBytes          int64
	Replicas          int
	MaxMsgsPerSubject int64
}

// Transport implements messaging.Transport on top of NATS JetStream.
type Transport struct {
	cfg      Config
	logger   logging.Logger
	conn     *nats.Conn
	js       nats.JetStreamContext
	ownsConn bool

	handlers map[string]messaging.Handler
	subs     map[string]*nats.Subscription

	mu      sync.RWMutex
	running bool

	published int64
	delivered int64
}

// New builds a JetStream transport.
func New(cfg Config) *Transport {
	if cfg.Stream == "" {
		cfg.Stream = "SAGAFLOW"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "sagaflow."
	}
	if cfg.DurablePrefix == "" {
		cfg.DurablePrefix = "sagaflow-"
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.MaxAckPending <= 0 {
		cfg.MaxAckPending = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger().WithFields(logging.String("component", "transport.natsjetstream"))
	}
	return &Transport{
		cfg:      cfg,
		logger:   cfg.Logger,
		handlers: make(map[string]messaging.Handler),
		subs:     make(map[string]*nats.Subscription),
	}
}

func (t *Transport) subjectName(endpoint string) string {
	return t.cfg.SubjectPrefix + endpoint
}

// Publish writes env to the subject named for opts.Endpoint. A positive
// DelayMs is emulated with a sleeping goroutine, since JetStream has no
// native deferred-visibility primitive for ordinary publishes.
func (t *Transport) Publish(ctx context.Context, env *messaging.Envelope, opts messaging.PublishOptions) error {
	t.mu.RLock()
	js := t.js
	running := t.running
	t.mu.RUnlock()
	if !running || js == nil {
		return errors.New("nats jetstream transport: not running")
	}

	for k, v := range opts.Headers {
		env = env.WithHeader(k, v)
	}

	if opts.DelayMs > 0 {
		delay := time.Duration(opts.DelayMs) * time.Millisecond
		go func() {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			<-timer.C
			if err := t.publishNow(opts.Endpoint, env); err != nil {
				t.logger.Warn(context.Background(), "delayed publish failed",
					logging.String("endpoint", opts.Endpoint), logging.Error(err))
			}
		}()
		return nil
	}

	return t.publishNow(opts.Endpoint, env)
}

func (t *Transport) publishNow(endpoint string, env *messaging.Envelope) error {
	data, err := marshalEnvelope(env)
	if err != nil {
		return err
	}
	t.mu.RLock()
	js := t.js
	t.mu.RUnlock()
	if js == nil {
		return errors.New("nats jetstream transport: not running")
	}
	if _, err := js.Publish(t.subjectName(endpoint), data); err != nil {
		return err
	}
	atomic.AddInt64(&t.published, 1)
	return nil
}

// Subscribe registers handler for opts.Endpoint's subject.
func (t *Transport) Subscribe(ctx context.Context, opts messaging.SubscribeOptions, handler messaging.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.handlers[opts.Endpoint]; exists {
		return errors.New("nats jetstream transport: endpoint already subscribed: " + opts.Endpoint)
	}
	t.handlers[opts.Endpoint] = handler
	if t.running {
		return t.subscribeLocked(opts.Endpoint)
	}
	return nil
}

func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errors.New("nats jetstream transport: already running")
	}
	if err := t.ensureConnection(); err != nil {
		return err
	}
	if err := t.ensureStream(); err != nil {
		return err
	}
	for endpoint := range t.handlers {
		if err := t.subscribeLocked(endpoint); err != nil {
			return err
		}
	}
	t.running = true
	return nil
}

func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return errors.New("nats jetstream transport: not running")
	}
	t.running = false
	for endpoint, sub := range t.subs {
		_ = sub.Drain()
		delete(t.subs, endpoint)
	}
	if t.ownsConn && t.conn != nil {
		t.conn.Close()
	}
	t.conn = nil
	t.js = nil
	return nil
}

func (t *Transport) Stats() messaging.TransportStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	endpoints := make([]string, 0, len(t.handlers))
	for endpoint := range t.handlers {
		endpoints = append(endpoints, endpoint)
	}
	return messaging.TransportStats{
		Running:   t.running,
		Endpoints: endpoints,
		Published: atomic.LoadInt64(&t.published),
		Delivered: atomic.LoadInt64(&t.delivered),
	}
}

func (t *Transport) ensureConnection() error {
	if t.conn != nil && t.js != nil {
		return nil
	}
	if t.cfg.Conn != nil {
		t.conn = t.cfg.Conn
	} else {
		if t.cfg.URL == "" {
			t.cfg.URL = nats.DefaultURL
		}
		conn, err := nats.Connect(t.cfg.URL)
		if err != nil {
			return err
		}
		t.conn = conn
		t.ownsConn = true
	}
	js, err := t.conn.JetStream()
	if err != nil {
		return err
	}
	t.js = js
	return nil
}

func (t *Transport) ensureStream() error {
	_, err := t.js.StreamInfo(t.cfg.Stream)
	if err == nil {
		return nil
	}
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(err.Error(), "stream not found") {
		return err
	}

	retention := nats.WorkQueuePolicy
	switch strings.ToLower(t.cfg.Retention) {
	case "limits":
		retention = nats.LimitsPolicy
	case "interest":
		retention = nats.InterestPolicy
	}
	sc := &nats.StreamConfig{
		Name:              t.cfg.Stream,
		Subjects:          []string{t.cfg.SubjectPrefix + ">"},
		Retention:         retention,
		MaxMsgsPerSubject: -1,
	}
	if t.cfg.MaxMsgsPerSubject != 0 {
		sc.MaxMsgsPerSubject = t.cfg.MaxMsgsPerSubject
	}
	if t.cfg.MaxBytes > 0 {
		sc.MaxBytes = t.cfg.MaxBytes
	}
	if t.cfg.Replicas > 0 {
		sc.Replicas = t.cfg.Replicas
	}
	_, err = t.js.AddStream(sc)
	return err
}

func (t *Transport) subscribeLocked(endpoint string) error {
	if _, exists := t.subs[endpoint]; exists {
		return nil
	}
	subject := t.subjectName(endpoint)
	durable := t.cfg.DurablePrefix + endpoint
	sub, err := t.js.QueueSubscribe(subject, durable, t.natsHandler(endpoint),
		nats.ManualAck(),
		nats.Durable(durable),
		nats.AckWait(t.cfg.AckWait),
		nats.MaxAckPending(t.cfg.MaxAckPending))
	if err != nil {
		return err
	}
	t.subs[endpoint] = sub
	return nil
}

func (t *Transport) natsHandler(endpoint string) nats.MsgHandler {
	return func(msg *nats.Msg) {
		ctx := context.Background()
		env, err := unmarshalEnvelope(msg.Data)
		if err != nil {
			t.logger.Warn(ctx, "decode nats message failed", logging.Error(err))
			_ = msg.Ack()
			return
		}

		t.mu.RLock()
		handler := t.handlers[endpoint]
		t.mu.RUnlock()
		if handler == nil {
			return
		}

		if err := handler(ctx, env); err != nil {
			t.logger.Warn(ctx, "handler failed", logging.String("endpoint", endpoint), logging.Error(err))
			return
		}
		atomic.AddInt64(&t.delivered, 1)
		if err := msg.Ack(); err != nil {
			t.logger.Warn(ctx, "nats ack failed", logging.Error(err))
		}
	}
}

func marshalEnvelope(env *messaging.Envelope) ([]byte, error) {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return nil, err
	}
	ts := env.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	headers := env.Headers
	if headers == nil {
		headers = make(map[string]string)
	}
	return json.Marshal(struct {
		ID           string            `json:"id"`
		Type         string            `json:"type"`
		Timestamp    int64             `json:"timestamp"`
		Payload      json.RawMessage   `json:"payload"`
		Headers      map[string]string `json:"headers"`
		PartitionKey string            `json:"partitionKey"`
	}{ID: env.ID, Type: env.Type, Timestamp: ts.UnixNano(), Payload: payload, Headers: headers, PartitionKey: env.PartitionKey})
}

func unmarshalEnvelope(data []byte) (*messaging.Envelope, error) {
	var wire struct {
		ID           string            `json:"id"`
		Type         string            `json:"type"`
		Timestamp    int64             `json:"timestamp"`
		Payload      json.RawMessage   `json:"payload"`
		Headers      map[string]string `json:"headers"`
		PartitionKey string            `json:"partitionKey"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	var payload interface{}
	if len(wire.Payload) > 0 {
		if err := json.Unmarshal(wire.Payload, &payload); err != nil {
			return nil, err
		}
	}
	if wire.Headers == nil {
		wire.Headers = make(map[string]string)
	}
	return &messaging.Envelope{
		ID:           wire.ID,
		Type:         wire.Type,
		Timestamp:    time.Unix(0, wire.Timestamp),
		Payload:      payload,
		Headers:      wire.Headers,
		PartitionKey: wire.PartitionKey,
	}, nil
}
