package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/gorilla/websocket"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateExhausted:
		return "exhausted"
	default:
		return "disconnected"
	}
}

const (
	defaultMaxReconnectAttempts = 5
	defaultReconnectDelay       = 3 * time.Second
)

// Envelope is the frame exchanged over the secondary transport.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Transport is the optional duplex connection of the fan out manager.
// Inbound {type, payload} frames are demultiplexed into the hub.
// Connection loss triggers fixed delay reconnection capped at a small
// attempt count, after which the transport gives up for good and the
// application keeps running on local fan out alone. Nothing ever blocks
// waiting for the connected state.
type Transport struct {
	hub *Hub
	url string

	maxAttempts int
	delay       time.Duration

	mu    sync.Mutex
	conn  *websocket.Conn
	state State
	stop  chan struct{}
	once  sync.Once
}

func NewTransport(hub *Hub, url string) *Transport {
	return &Transport{
		hub:         hub,
		url:         url,
		maxAttempts: defaultMaxReconnectAttempts,
		delay:       defaultReconnectDelay,
		state:       StateDisconnected,
		stop:        make(chan struct{}),
	}
}

// Connect starts the connection loop and returns immediately.
func (t *Transport) Connect(ctx context.Context) {
	go t.run(ctx)
}

func (t *Transport) run(ctx context.Context) {
	log := logging.GetFromContext(ctx)

	attempts := 0

	for {
		if attempts == 0 {
			t.setState(StateConnecting)
		} else {
			t.setState(StateReconnecting)
		}

		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}

		if err != nil {
			attempts++
			log.Warn("fanout transport connection failed", "attempt", attempts, "err", err.Error())

			if attempts >= t.maxAttempts {
				log.Warn("fanout transport giving up, continuing with local fan out only")
				t.setState(StateExhausted)
				return
			}

			select {
			case <-time.After(t.delay):
				continue
			case <-t.stop:
				t.setState(StateDisconnected)
				return
			case <-ctx.Done():
				t.setState(StateDisconnected)
				return
			}
		}

		attempts = 0
		t.setConn(conn)
		t.setState(StateConnected)
		log.Info("fanout transport connected", "url", t.url)

		t.readLoop(ctx, conn)

		t.setConn(nil)

		select {
		case <-t.stop:
			t.setState(StateDisconnected)
			return
		case <-ctx.Done():
			t.setState(StateDisconnected)
			return
		default:
		}

		t.setState(StateDisconnected)
		attempts = 1

		select {
		case <-time.After(t.delay):
		case <-t.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) {
	log := logging.GetFromContext(ctx)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		env := Envelope{}
		err = json.Unmarshal(message, &env)
		if err != nil {
			log.Debug("discarding malformed fanout frame", "err", err.Error())
			continue
		}

		t.hub.Publish(env.Type, env.Payload)
	}
}

// Send serializes {type, payload} onto the transport. Sends while not
// connected are dropped silently; callers needing delivery confirmation
// must implement their own acknowledgement.
func (t *Transport) Send(eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("could not marshal payload: %w", err)
	}

	b, err := json.Marshal(Envelope{Type: eventType, Payload: raw})
	if err != nil {
		return fmt.Errorf("could not marshal envelope: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil || t.state != StateConnected {
		return nil
	}

	return t.conn.WriteMessage(websocket.TextMessage, b)
}

func (t *Transport) Disconnect() {
	t.once.Do(func() { close(t.stop) })

	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.state = StateDisconnected
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state = s
}

func (t *Transport) setConn(conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.conn = conn
}
