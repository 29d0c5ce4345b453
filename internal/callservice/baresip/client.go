package baresip

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// EventType is a baresip ctrl_tcp call event type.
type EventType string

const (
	EventCallIncoming    EventType = "CALL_INCOMING"
	EventCallOutgoing    EventType = "CALL_OUTGOING"
	EventCallRinging     EventType = "CALL_RINGING"
	EventCallProgress    EventType = "CALL_PROGRESS"
	EventCallAnswered    EventType = "CALL_ANSWERED"
	EventCallEstablished EventType = "CALL_ESTABLISHED"
	EventCallClosed      EventType = "CALL_CLOSED"
	EventRegisterOK      EventType = "REGISTER_OK"
	EventRegisterFail    EventType = "REGISTER_FAIL"
)

// Event is an unsolicited message from baresip.
type Event struct {
	Event      bool      `json:"event"`
	Class      string    `json:"class"`
	Type       EventType `json:"type"`
	AccountAOR string    `json:"accountaor"`
	Direction  string    `json:"direction"`
	PeerURI    string    `json:"peeruri"`
	PeerName   string    `json:"peername"`
	ID         string    `json:"id"`
	Param      string    `json:"param"`
}

// Response answers a Command.
type Response struct {
	Response bool   `json:"response"`
	OK       bool   `json:"ok"`
	Data     string `json:"data"`
	Token    string `json:"token"`
}

type command struct {
	Command string `json:"command"`
	Params  string `json:"params,omitempty"`
	Token   string `json:"token,omitempty"`
}

var (
	ErrClientClosed   = errors.New("baresip: connection closed")
	ErrCommandTimeout = errors.New("baresip: command timed out")
)

// Client speaks the baresip ctrl_tcp protocol over one TCP connection.
type Client struct {
	addr    string
	conn    net.Conn
	encoder *Encoder
	decoder *Decoder
	writeMu sync.Mutex
	log     *zap.Logger

	events chan Event

	tokens     atomic.Uint64
	pendingMu  sync.Mutex
	pending    map[string]chan Response
	cmdTimeout time.Duration

	closed    core.Fuse
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// NewClient creates an unconnected client.
func NewClient(addr string, cmdTimeout time.Duration, log *zap.Logger) *Client {
	if cmdTimeout <= 0 {
		cmdTimeout = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		addr:       addr,
		log:        log.Named("baresip"),
		events:     make(chan Event, 100),
		pending:    make(map[string]chan Response),
		cmdTimeout: cmdTimeout,
	}
}

// Connect dials baresip and starts the reader.
func (b *Client) Connect(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", b.addr)
	if err != nil {
		return errors.Wrapf(err, "connecting to baresip at %s", b.addr)
	}
	b.conn = conn
	b.encoder = NewEncoder(conn)
	b.decoder = NewDecoder(conn)

	go b.readLoop()

	b.log.Info("connected", zap.String("addr", b.addr))
	return nil
}

// Close closes the connection. Idempotent.
func (b *Client) Close() error {
	b.closed.Break()
	var err error
	b.closeOnce.Do(func() {
		if b.conn != nil {
			err = b.conn.Close()
		}
	})
	return err
}

// Events delivers baresip events. It is closed when the connection ends.
func (b *Client) Events() <-chan Event {
	return b.events
}

// Done is closed when the client stops reading.
func (b *Client) Done() <-chan struct{} {
	return b.closed.Watch()
}

// Err returns the read error that ended the connection, if any.
func (b *Client) Err() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.err
}

func (b *Client) readLoop() {
	defer close(b.events)
	defer b.closed.Break()

	for {
		data, err := b.decoder.Decode()
		if err != nil {
			if !b.closed.IsBroken() {
				b.errMu.Lock()
				b.err = errors.Wrap(err, "reading from baresip")
				b.errMu.Unlock()
				b.log.Warn("connection lost", zap.Error(err))
			}
			return
		}
		b.log.Debug("received", zap.ByteString("data", data))

		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			b.log.Warn("invalid json", zap.Error(err))
			continue
		}

		if _, isEvent := raw["event"]; isEvent {
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil {
				b.log.Warn("failed to parse event", zap.Error(err))
				continue
			}
			select {
			case b.events <- ev:
			default:
				b.log.Warn("event channel full, dropping event", zap.String("type", string(ev.Type)))
			}
			continue
		}
		if _, isResponse := raw["response"]; isResponse {
			var resp Response
			if err := json.Unmarshal(data, &resp); err != nil {
				b.log.Warn("failed to parse response", zap.Error(err))
				continue
			}
			b.pendingMu.Lock()
			if ch, ok := b.pending[resp.Token]; ok {
				ch <- resp
				delete(b.pending, resp.Token)
			}
			b.pendingMu.Unlock()
		}
	}
}

// Command sends cmd and waits for its response.
func (b *Client) Command(ctx context.Context, cmd, params string) (*Response, error) {
	if b.closed.IsBroken() {
		return nil, ErrClientClosed
	}
	token := fmt.Sprintf("tok%d", b.tokens.Add(1))
	data, err := json.Marshal(command{Command: cmd, Params: params, Token: token})
	if err != nil {
		return nil, errors.Wrap(err, "marshaling command")
	}

	respCh := make(chan Response, 1)
	b.pendingMu.Lock()
	b.pending[token] = respCh
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, token)
		b.pendingMu.Unlock()
	}()

	b.log.Debug("sending", zap.ByteString("data", data))
	b.writeMu.Lock()
	err = b.encoder.Encode(data)
	b.writeMu.Unlock()
	if err != nil {
		return nil, errors.Wrap(err, "sending command")
	}

	timer := time.NewTimer(b.cmdTimeout)
	defer timer.Stop()
	select {
	case resp := <-respCh:
		return &resp, nil
	case <-b.closed.Watch():
		return nil, ErrClientClosed
	case <-timer.C:
		return nil, errors.Wrap(ErrCommandTimeout, cmd)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
