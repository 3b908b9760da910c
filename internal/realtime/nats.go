package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// NATSConfig holds connection settings for the NATS-backed transport.
type NATSConfig struct {
	URL           string
	StreamName    string // JetStream stream carrying table change events
	SubjectPrefix string
	RPCTimeout    time.Duration
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSConfig returns default NATS transport configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		StreamName:    "TABLE_CHANGES",
		SubjectPrefix: "rt",
		RPCTimeout:    5 * time.Second,
		MaxReconnects: -1, // infinite
		ReconnectWait: 2 * time.Second,
	}
}

// NATSBackend implements Backend over NATS: core subjects for broadcast,
// presence and RPC, a JetStream stream for table change feeds.
type NATSBackend struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config NATSConfig

	mu             sync.Mutex
	nextListener   int
	stateListeners map[int]func(ConnState)

	// local presence replica per channel, rebuilt from track/untrack
	// traffic and heartbeat re-tracks
	presence map[string]map[string]json.RawMessage
}

// presenceMessage is the wire format on presence subjects.
type presenceMessage struct {
	Action    string          `json:"action"` // track | untrack
	SessionID string          `json:"session_id"`
	Record    json.RawMessage `json:"record,omitempty"`
}

// NewNATSBackend connects to NATS and prepares the JetStream context.
func NewNATSBackend(config NATSConfig) (*NATSBackend, error) {
	b := &NATSBackend{
		config:         config,
		stateListeners: make(map[int]func(ConnState)),
		presence:       make(map[string]map[string]json.RawMessage),
	}

	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
			b.notify(StateClosed)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			b.notify(StateOpen)
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
			b.notify(StateError)
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	b.nc = nc
	b.js = js
	return b, nil
}

func (b *NATSBackend) subject(parts ...string) string {
	tokens := make([]string, 0, len(parts)+1)
	tokens = append(tokens, b.config.SubjectPrefix)
	for _, p := range parts {
		tokens = append(tokens, sanitizeToken(p))
	}
	return strings.Join(tokens, ".")
}

// sanitizeToken makes an arbitrary name safe as a NATS subject token.
func sanitizeToken(s string) string {
	r := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")
	return r.Replace(s)
}

type natsHandle struct {
	stop func() error
}

func (h *natsHandle) Unsubscribe() error {
	return h.stop()
}

// SubscribeTable creates a durable JetStream consumer filtered to the
// table's subject and delivers decoded change events.
func (b *NATSBackend) SubscribeTable(ctx context.Context, target TableTarget, fn func(ChangeEvent)) (Handle, error) {
	stream, err := b.js.Stream(ctx, b.config.StreamName)
	if err != nil {
		return nil, fmt.Errorf("get stream: %w", err)
	}

	name := fmt.Sprintf("rt-table-%s-%s", sanitizeToken(target.Table), uuid.New().String()[:8])
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          name,
		Description:   "realtime table-change consumer",
		FilterSubject: b.subject("tables", target.Table),
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		var ev ChangeEvent
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject()).Msg("malformed change event")
			msg.Ack()
			return
		}
		if target.Event != "" && target.Event != ev.Type {
			msg.Ack()
			return
		}
		if !matchesFilter(target.Filter, ev) {
			msg.Ack()
			return
		}
		fn(ev)
		if err := msg.Ack(); err != nil {
			log.Error().Err(err).Msg("failed to ACK change event")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("start consumer: %w", err)
	}

	log.Debug().Str("consumer", name).Str("table", target.Table).Msg("table subscription created")

	return &natsHandle{stop: func() error {
		consumeCtx.Stop()
		if err := stream.DeleteConsumer(context.Background(), name); err != nil {
			log.Warn().Err(err).Str("consumer", name).Msg("failed to delete consumer")
		}
		return nil
	}}, nil
}

// PublishChange publishes a table change event into the JetStream stream.
// Used by change-feed producers; subscribers receive it via SubscribeTable.
func (b *NATSBackend) PublishChange(ctx context.Context, ev ChangeEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	if _, err := b.js.Publish(ctx, b.subject("tables", ev.Table), data); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}

func (b *NATSBackend) SubscribeBroadcast(ctx context.Context, channel, event string, fn func(BroadcastEvent)) (Handle, error) {
	subject := b.subject("broadcast", channel) + "."
	if event == "" {
		subject += "*"
	} else {
		subject += sanitizeToken(event)
	}

	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var ev BroadcastEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject).Msg("malformed broadcast event")
			return
		}
		fn(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe broadcast: %w", err)
	}
	return &natsHandle{stop: sub.Unsubscribe}, nil
}

func (b *NATSBackend) PublishBroadcast(ctx context.Context, channel, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal broadcast payload: %w", err)
	}
	ev := BroadcastEvent{Channel: channel, Event: event, Payload: data, Timestamp: time.Now()}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal broadcast event: %w", err)
	}
	subject := b.subject("broadcast", channel) + "." + sanitizeToken(event)
	if err := b.nc.Publish(subject, raw); err != nil {
		return fmt.Errorf("publish broadcast: %w", err)
	}
	return nil
}

// SubscribePresence subscribes to a presence channel. The backend keeps a
// local replica per channel fed by track/untrack traffic; heartbeat
// re-tracks from peers converge late joiners.
func (b *NATSBackend) SubscribePresence(ctx context.Context, channel string, cb PresenceCallbacks) (Handle, error) {
	subject := b.subject("presence", channel)

	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var pm presenceMessage
		if err := json.Unmarshal(msg.Data, &pm); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject).Msg("malformed presence message")
			return
		}
		b.applyPresence(channel, pm, cb)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe presence: %w", err)
	}

	// Deliver the current replica so subscribers start from a snapshot.
	if cb.OnSync != nil {
		cb.OnSync(PresenceEvent{Type: PresenceSync, Channel: channel, State: b.presenceSnapshot(channel)})
	}

	return &natsHandle{stop: sub.Unsubscribe}, nil
}

func (b *NATSBackend) applyPresence(channel string, pm presenceMessage, cb PresenceCallbacks) {
	b.mu.Lock()
	chState, ok := b.presence[channel]
	if !ok {
		chState = make(map[string]json.RawMessage)
		b.presence[channel] = chState
	}

	var event PresenceEvent
	switch pm.Action {
	case "track":
		_, existed := chState[pm.SessionID]
		chState[pm.SessionID] = pm.Record
		if !existed {
			event = PresenceEvent{Type: PresenceJoin, Channel: channel, State: map[string]json.RawMessage{pm.SessionID: pm.Record}}
		}
	case "untrack":
		record, existed := chState[pm.SessionID]
		delete(chState, pm.SessionID)
		if existed {
			event = PresenceEvent{Type: PresenceLeave, Channel: channel, State: map[string]json.RawMessage{pm.SessionID: record}}
		}
	default:
		b.mu.Unlock()
		log.Warn().Str("action", pm.Action).Msg("unknown presence action")
		return
	}
	snapshot := make(map[string]json.RawMessage, len(chState))
	for id, rec := range chState {
		snapshot[id] = rec
	}
	b.mu.Unlock()

	if event.Type == PresenceJoin && cb.OnJoin != nil {
		cb.OnJoin(event)
	}
	if event.Type == PresenceLeave && cb.OnLeave != nil {
		cb.OnLeave(event)
	}
	if cb.OnSync != nil {
		cb.OnSync(PresenceEvent{Type: PresenceSync, Channel: channel, State: snapshot})
	}
}

func (b *NATSBackend) presenceSnapshot(channel string) map[string]json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]json.RawMessage, len(b.presence[channel]))
	for id, rec := range b.presence[channel] {
		out[id] = rec
	}
	return out
}

func (b *NATSBackend) TrackPresence(ctx context.Context, channel, sessionID string, record json.RawMessage) error {
	return b.publishPresence(channel, presenceMessage{Action: "track", SessionID: sessionID, Record: record})
}

func (b *NATSBackend) UntrackPresence(ctx context.Context, channel, sessionID string) error {
	return b.publishPresence(channel, presenceMessage{Action: "untrack", SessionID: sessionID})
}

func (b *NATSBackend) publishPresence(channel string, pm presenceMessage) error {
	data, err := json.Marshal(pm)
	if err != nil {
		return fmt.Errorf("marshal presence message: %w", err)
	}
	if err := b.nc.Publish(b.subject("presence", channel), data); err != nil {
		return fmt.Errorf("publish presence: %w", err)
	}
	return nil
}

// RPC performs a JSON request/reply against a named server handler.
func (b *NATSBackend) RPC(ctx context.Context, name string, params, result any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("rpc %s: marshal params: %w", name, err)
	}

	timeout := b.config.RPCTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	msg, err := b.nc.Request(b.subject("rpc", name), data, timeout)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", name, err)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(msg.Data, result); err != nil {
		return fmt.Errorf("rpc %s: unmarshal result: %w", name, err)
	}
	return nil
}

func (b *NATSBackend) OnConnectionStateChange(fn func(ConnState)) (remove func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextListener
	b.nextListener++
	b.stateListeners[id] = fn
	return func() {
		b.mu.Lock()
		delete(b.stateListeners, id)
		b.mu.Unlock()
	}
}

func (b *NATSBackend) notify(state ConnState) {
	b.mu.Lock()
	listeners := make([]func(ConnState), 0, len(b.stateListeners))
	for _, fn := range b.stateListeners {
		listeners = append(listeners, fn)
	}
	b.mu.Unlock()
	for _, fn := range listeners {
		fn(state)
	}
}

// Close drains the connection; live subscriptions are torn down with it.
func (b *NATSBackend) Close() error {
	if b.nc != nil {
		b.nc.Close()
	}
	b.notify(StateClosed)
	return nil
}
