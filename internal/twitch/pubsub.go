package twitch

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jackra1n/Lurk/internal/domain"
	"github.com/jackra1n/Lurk/internal/metrics"
	"github.com/jonboulle/clockwork"
)

const (
	listenTimeout     = 10 * time.Second
	pingInterval      = 25 * time.Second
	pingJitter        = 5 * time.Second
	pongStaleAfter    = 5 * time.Minute
	reconnectDelayMin = 30 * time.Second
	reconnectJitter   = 30 * time.Second
	dispatchBuffer    = 256
)

// MessageHandler receives decoded inner messages: the topic the message
// arrived on, the inner message type, and the raw inner JSON payload.
type MessageHandler func(topic, messageType string, data json.RawMessage)

// envelope is the outer PubSub wire frame.
type envelope struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce,omitempty"`
	Error string `json:"error,omitempty"`
	Data  *struct {
		Topic   string `json:"topic"`
		Message string `json:"message"`
	} `json:"data,omitempty"`
}

type listenRequest struct {
	Type  string     `json:"type"`
	Nonce string     `json:"nonce"`
	Data  listenData `json:"data"`
}

type listenData struct {
	Topics    []string `json:"topics"`
	AuthToken string   `json:"auth_token,omitempty"`
}

type pendingListen struct {
	topic  string
	result chan error
}

type inboundMessage struct {
	topic       string
	messageType string
	data        json.RawMessage
}

// PubSub maintains the single duplex connection to the Twitch PubSub edge.
//
// One reader goroutine per connection decodes envelopes in arrival order and
// handles the protocol frames itself; data messages go through a buffered
// queue to a dedicated dispatch goroutine, so a handler blocked on
// application locks can never stall LISTEN acks or PONGs. Mid-session
// transport errors never reach callers; they feed the internal reconnect
// loop, which replays every previously active topic. Only the initial Connect
// surfaces an error.
type PubSub struct {
	url     string
	clock   clockwork.Clock
	inbound chan inboundMessage

	mu           sync.Mutex
	conn         *websocket.Conn
	connected    bool
	reconnecting bool
	forcedClose  bool
	generation   int
	lastPong     time.Time
	topics       []string
	pending      map[string]*pendingListen
	authToken    string

	handler        MessageHandler
	onConnected    func()
	onDisconnected func()
}

// NewPubSub creates a client against the production edge.
func NewPubSub(clock clockwork.Clock) *PubSub {
	return NewPubSubWithURL(PubSubURL, clock)
}

// NewPubSubWithURL exists for tests.
func NewPubSubWithURL(url string, clock clockwork.Clock) *PubSub {
	p := &PubSub{
		url:     url,
		clock:   clock,
		pending: make(map[string]*pendingListen),
		inbound: make(chan inboundMessage, dispatchBuffer),
	}
	go p.dispatchLoop()
	return p
}

// dispatchLoop delivers data messages to the registered handler in arrival
// order, decoupled from the read loop.
func (p *PubSub) dispatchLoop() {
	for msg := range p.inbound {
		p.mu.Lock()
		handler := p.handler
		p.mu.Unlock()

		if handler != nil {
			handler(msg.topic, msg.messageType, msg.data)
		}
	}
}

func (p *PubSub) SetAuthToken(token string) {
	p.mu.Lock()
	p.authToken = token
	p.mu.Unlock()
}

// OnMessage registers the single message handler. Must be called before
// Connect.
func (p *PubSub) OnMessage(handler MessageHandler) {
	p.mu.Lock()
	p.handler = handler
	p.mu.Unlock()
}

func (p *PubSub) OnConnected(fn func()) {
	p.mu.Lock()
	p.onConnected = fn
	p.mu.Unlock()
}

func (p *PubSub) OnDisconnected(fn func()) {
	p.mu.Lock()
	p.onDisconnected = fn
	p.mu.Unlock()
}

func (p *PubSub) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Topics returns the currently active subscriptions.
func (p *PubSub) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.topics))
	copy(out, p.topics)
	return out
}

// Connect opens the websocket. It returns once the transport is open or the
// dial fails; after a successful Connect the client keeps itself connected
// until Disconnect.
func (p *PubSub) Connect() error {
	p.mu.Lock()
	if p.connected {
		p.mu.Unlock()
		return nil
	}
	p.forcedClose = false
	p.mu.Unlock()

	slog.Info("Connecting to PubSub", "url", p.url)

	conn, _, err := websocket.DefaultDialer.Dial(p.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to pubsub: %w", err)
	}

	p.mu.Lock()
	p.conn = conn
	p.connected = true
	p.reconnecting = false
	p.lastPong = p.clock.Now()
	p.generation++
	gen := p.generation
	onConnected := p.onConnected
	p.mu.Unlock()

	slog.Info("PubSub connected")

	go p.readLoop(conn, gen)
	go p.pingLoop(gen)

	if onConnected != nil {
		onConnected()
	}
	return nil
}

// Disconnect is idempotent: it suppresses the reconnect loop, closes the
// transport, and clears all subscription state.
func (p *PubSub) Disconnect() {
	p.mu.Lock()
	slog.Info("Disconnecting from PubSub")
	p.forcedClose = true
	p.connected = false
	p.generation++
	conn := p.conn
	p.conn = nil
	p.topics = nil
	for _, pl := range p.pending {
		pl.result <- fmt.Errorf("disconnected while awaiting ack for %s", pl.topic)
	}
	p.pending = make(map[string]*pendingListen)
	p.mu.Unlock()

	metrics.PubSubActiveTopics.Set(0)

	if conn != nil {
		conn.Close()
	}
}

// Listen subscribes to a topic and waits for the server acknowledgment.
// Re-listening to an already-active topic is a no-op success.
func (p *PubSub) Listen(topic string, requiresAuth bool) error {
	p.mu.Lock()
	if !p.connected || p.conn == nil {
		p.mu.Unlock()
		return domain.ErrNotConnected
	}
	for _, t := range p.topics {
		if t == topic {
			p.mu.Unlock()
			slog.Debug("Already listening to topic", "topic", topic)
			return nil
		}
	}

	nonce := uuid.NewString()
	pl := &pendingListen{topic: topic, result: make(chan error, 1)}
	p.pending[nonce] = pl

	req := listenRequest{
		Type:  "LISTEN",
		Nonce: nonce,
		Data:  listenData{Topics: []string{topic}},
	}
	if requiresAuth && p.authToken != "" {
		req.Data.AuthToken = p.authToken
	}
	conn := p.conn
	p.mu.Unlock()

	if err := p.writeJSON(conn, req); err != nil {
		p.dropPending(nonce)
		return fmt.Errorf("failed to send LISTEN for %s: %w", topic, err)
	}

	select {
	case err := <-pl.result:
		return err
	case <-p.clock.After(listenTimeout):
		p.dropPending(nonce)
		return fmt.Errorf("%w for topic %s", domain.ErrListenTimeout, topic)
	}
}

func (p *PubSub) dropPending(nonce string) {
	p.mu.Lock()
	delete(p.pending, nonce)
	p.mu.Unlock()
}

// writeJSON serializes writes; gorilla connections allow one concurrent
// writer only.
func (p *PubSub) writeJSON(conn *websocket.Conn, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn == nil {
		return domain.ErrNotConnected
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(v)
}

func (p *PubSub) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			p.handleClosed(gen)
			return
		}
		p.handleFrame(raw)
	}
}

func (p *PubSub) handleFrame(raw []byte) {
	var msg envelope
	if err := json.Unmarshal(raw, &msg); err != nil {
		slog.Error("Failed to parse PubSub frame", "error", err)
		return
	}

	metrics.PubSubMessagesTotal.WithLabelValues(msg.Type).Inc()

	switch msg.Type {
	case "PONG":
		p.mu.Lock()
		p.lastPong = p.clock.Now()
		p.mu.Unlock()

	case "RESPONSE":
		p.handleResponse(&msg)

	case "MESSAGE":
		p.handleDataMessage(&msg)

	case "RECONNECT":
		slog.Info("PubSub server requested reconnect")
		p.forceReconnect()

	default:
		slog.Debug("Unknown PubSub message type", "type", msg.Type)
	}
}

func (p *PubSub) handleResponse(msg *envelope) {
	if msg.Nonce == "" {
		return
	}

	p.mu.Lock()
	pl, ok := p.pending[msg.Nonce]
	if ok {
		delete(p.pending, msg.Nonce)
		if msg.Error == "" {
			p.topics = append(p.topics, pl.topic)
			metrics.PubSubActiveTopics.Set(float64(len(p.topics)))
		}
	}
	p.mu.Unlock()

	if !ok {
		return
	}

	if msg.Error != "" {
		slog.Error("Listen rejected", "topic", pl.topic, "error", msg.Error)
		pl.result <- fmt.Errorf("listen rejected for %s: %s", pl.topic, msg.Error)
		return
	}
	slog.Info("Subscribed to topic", "topic", pl.topic)
	pl.result <- nil
}

func (p *PubSub) handleDataMessage(msg *envelope) {
	if msg.Data == nil {
		return
	}

	// inner payload is JSON-encoded a second time
	var inner struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(msg.Data.Message), &inner); err != nil {
		slog.Error("Failed to parse inner PubSub message", "topic", msg.Data.Topic, "error", err)
		return
	}

	select {
	case p.inbound <- inboundMessage{
		topic:       msg.Data.Topic,
		messageType: inner.Type,
		data:        json.RawMessage(msg.Data.Message),
	}:
	default:
		metrics.PubSubDroppedBacklogTotal.Inc()
		slog.Warn("Dropping PubSub message, dispatch backlog full", "topic", msg.Data.Topic)
	}
}

func (p *PubSub) pingLoop(gen int) {
	for {
		p.mu.Lock()
		if p.generation != gen || !p.connected {
			p.mu.Unlock()
			return
		}
		conn := p.conn
		lastPong := p.lastPong
		p.mu.Unlock()

		if p.clock.Since(lastPong) > pongStaleAfter {
			slog.Warn("No PONG received within staleness window, reconnecting",
				"lastPong", lastPong)
			p.forceReconnect()
			return
		}

		if err := p.writeJSON(conn, map[string]string{"type": "PING"}); err != nil {
			slog.Debug("PING write failed", "error", err)
		}

		<-p.clock.After(pingInterval + time.Duration(rand.Int63n(int64(pingJitter))))
	}
}

// forceReconnect closes the transport so the reader loop observes the close
// and runs the shared reconnect path.
func (p *PubSub) forceReconnect() {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// handleClosed runs when the reader loop exits. Non-forced closes schedule a
// reconnect with full topic replay.
func (p *PubSub) handleClosed(gen int) {
	p.mu.Lock()
	if p.generation != gen {
		// a newer connection superseded this one
		p.mu.Unlock()
		return
	}
	p.connected = false
	p.conn = nil
	forced := p.forcedClose
	alreadyReconnecting := p.reconnecting
	if !forced {
		p.reconnecting = true
	}
	onDisconnected := p.onDisconnected
	p.mu.Unlock()

	slog.Info("PubSub connection closed")
	if onDisconnected != nil {
		onDisconnected()
	}

	if !forced && !alreadyReconnecting {
		go p.reconnectLoop()
	}
}

// reconnectLoop waits a jittered backoff, reopens the transport, and replays
// every previously active topic. Individual re-subscribe failures are logged
// but do not abort the replay; total connection failures reschedule another
// round. Retries are unbounded while not forcibly disconnected.
func (p *PubSub) reconnectLoop() {
	for {
		delay := reconnectDelayMin + time.Duration(rand.Int63n(int64(reconnectJitter)))
		slog.Info("Reconnecting to PubSub", "delay", delay.Round(time.Second))

		<-p.clock.After(delay)

		p.mu.Lock()
		if p.forcedClose {
			p.reconnecting = false
			p.mu.Unlock()
			return
		}
		oldTopics := p.topics
		p.topics = nil
		p.mu.Unlock()

		metrics.PubSubReconnectsTotal.Inc()

		if err := p.Connect(); err != nil {
			slog.Error("PubSub reconnection failed", "error", err)
			p.mu.Lock()
			p.topics = oldTopics
			abort := p.forcedClose
			p.mu.Unlock()
			if abort {
				return
			}
			continue
		}

		for _, topic := range oldTopics {
			requiresAuth := strings.Contains(topic, "user-v1")
			if err := p.Listen(topic, requiresAuth); err != nil {
				slog.Error("Failed to re-subscribe after reconnect", "topic", topic, "error", err)
			}
		}
		return
	}
}
