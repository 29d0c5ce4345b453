// Package baresip adapts a baresip user agent, driven over its ctrl_tcp
// module, to the Call Service contract.
package baresip

import (
	"context"
	"sync"
	"time"

	"github.com/dense-identity/callctl/internal/callservice"
	"github.com/dense-identity/callctl/internal/callsession"
	"github.com/dense-identity/callctl/internal/eventloop"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrStartTimeout is returned when baresip accepts a dial but never reports
// the outgoing call.
var ErrStartTimeout = errors.New("baresip: no CALL_OUTGOING for dial")

type Options struct {
	Addr           string
	Domain         string
	StartTimeout   time.Duration
	CommandTimeout time.Duration
	Logger         *zap.Logger
}

type remoteCall struct {
	id       string
	peer     string
	kind     callsession.Kind
	status   callservice.RemoteStatus
	incoming bool
}

// Service implements callservice.Service on top of a Client.
type Service struct {
	client *Client
	opts   Options
	log    *zap.Logger

	events   *eventloop.Listeners[callservice.Event]
	incoming *eventloop.Listeners[callservice.Incoming]

	mu sync.Mutex
	// pendingByPeer holds dial waiters per contact. baresip reports the call
	// ID only in the CALL_OUTGOING event, so dials to the same contact bind
	// in FIFO order.
	pendingByPeer map[string][]chan string
	calls         map[string]*remoteCall
	currentID     string
	videoOn       bool

	done chan struct{}
}

var (
	_ callservice.Service          = (*Service)(nil)
	_ callservice.Answerer         = (*Service)(nil)
	_ callservice.IncomingNotifier = (*Service)(nil)
)

// Dial connects to baresip at opts.Addr.
func Dial(ctx context.Context, opts Options) (*Service, error) {
	client := NewClient(opts.Addr, opts.CommandTimeout, opts.Logger)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return NewService(client, opts), nil
}

// NewService wraps a connected client.
func NewService(client *Client, opts Options) *Service {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 5 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		client:        client,
		opts:          opts,
		log:           log.Named("baresip_service"),
		events:        eventloop.NewListeners[callservice.Event](),
		incoming:      eventloop.NewListeners[callservice.Incoming](),
		pendingByPeer: make(map[string][]chan string),
		calls:         make(map[string]*remoteCall),
		done:          make(chan struct{}),
	}
	go s.dispatch()
	return s
}

// Close disconnects from baresip and waits for the dispatcher to exit.
func (s *Service) Close() error {
	err := s.client.Close()
	<-s.done
	return err
}

func (s *Service) dispatch() {
	defer close(s.done)
	for ev := range s.client.Events() {
		s.handle(ev)
	}
}

func statusFor(t EventType) (callservice.RemoteStatus, bool) {
	switch t {
	case EventCallOutgoing:
		return callservice.StatusDialing, true
	case EventCallRinging:
		return callservice.StatusRinging, true
	case EventCallProgress, EventCallAnswered:
		return callservice.StatusConnecting, true
	case EventCallEstablished:
		return callservice.StatusConnected, true
	}
	return "", false
}

func (s *Service) handle(ev Event) {
	switch ev.Type {
	case EventCallOutgoing:
		s.bindOutgoing(ev)
	case EventCallIncoming:
		s.offer(ev)
		return
	case EventCallClosed:
		s.closeCall(ev)
		return
	case EventRegisterOK, EventRegisterFail:
		s.log.Info("registration", zap.String("type", string(ev.Type)), zap.String("aor", ev.AccountAOR))
		return
	}

	status, ok := statusFor(ev.Type)
	if !ok {
		return
	}
	s.mu.Lock()
	c, known := s.calls[ev.ID]
	if known {
		c.status = status
	}
	s.mu.Unlock()
	if !known {
		s.log.Debug("event for unknown call", zap.String("call_id", ev.ID), zap.String("type", string(ev.Type)))
		return
	}
	s.events.Notify(callservice.Event{
		SessionID: ev.ID,
		Session:   &callservice.RemoteSession{ID: ev.ID, Status: status},
	})
}

func (s *Service) bindOutgoing(ev Event) {
	peer := PeerFromURI(ev.PeerURI)
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.pendingByPeer[peer]
	if len(queue) == 0 {
		s.log.Warn("outgoing call without pending dial", zap.String("call_id", ev.ID), zap.String("to", peer))
		return
	}
	waiter := queue[0]
	if len(queue) == 1 {
		delete(s.pendingByPeer, peer)
	} else {
		s.pendingByPeer[peer] = queue[1:]
	}
	s.calls[ev.ID] = &remoteCall{id: ev.ID, peer: peer, status: callservice.StatusDialing}
	s.currentID = ev.ID
	waiter <- ev.ID
}

func (s *Service) offer(ev Event) {
	peer := callsession.Peer{ID: PeerFromURI(ev.PeerURI), DisplayName: ev.PeerName}
	s.mu.Lock()
	s.calls[ev.ID] = &remoteCall{id: ev.ID, peer: peer.ID, status: callservice.StatusRinging, incoming: true}
	s.currentID = ev.ID
	s.mu.Unlock()
	s.log.Info("incoming call", zap.String("call_id", ev.ID), zap.String("from", peer.ID))
	s.incoming.Notify(callservice.Incoming{SessionID: ev.ID, Peer: peer, Kind: callsession.KindVoice})
}

func (s *Service) closeCall(ev Event) {
	s.mu.Lock()
	_, known := s.calls[ev.ID]
	delete(s.calls, ev.ID)
	if s.currentID == ev.ID {
		s.currentID = ""
		s.videoOn = false
	}
	s.mu.Unlock()
	if !known {
		return
	}
	s.log.Info("call closed", zap.String("call_id", ev.ID), zap.String("param", ev.Param))
	s.events.Notify(callservice.Event{SessionID: ev.ID})
}

func (s *Service) removeWaiter(peer string, waiter chan string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.pendingByPeer[peer]
	for i, w := range queue {
		if w == waiter {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(s.pendingByPeer, peer)
	} else {
		s.pendingByPeer[peer] = queue
	}
}

func (s *Service) StartCall(ctx context.Context, contactID, _ string, kind callsession.Kind) (callservice.RemoteSession, error) {
	peer := PeerFromURI(contactID)
	uri := FormatURI(contactID, s.opts.Domain)

	waiter := make(chan string, 1)
	s.mu.Lock()
	s.pendingByPeer[peer] = append(s.pendingByPeer[peer], waiter)
	s.mu.Unlock()

	cmd, params := "dial", uri
	if kind == callsession.KindVideo {
		cmd, params = "dialdir", uri+" audio=sendrecv video=sendrecv"
	}
	resp, err := s.client.Command(ctx, cmd, params)
	if err != nil {
		s.removeWaiter(peer, waiter)
		return callservice.RemoteSession{}, errors.Wrapf(err, "dial %s", uri)
	}
	if !resp.OK {
		s.removeWaiter(peer, waiter)
		return callservice.RemoteSession{}, errors.Wrap(callservice.ErrRejected, resp.Data)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.StartTimeout)
	defer cancel()
	select {
	case id := <-waiter:
		s.mu.Lock()
		if c, ok := s.calls[id]; ok {
			c.kind = kind
		}
		s.videoOn = kind == callsession.KindVideo
		s.mu.Unlock()
		return callservice.RemoteSession{ID: id, Status: callservice.StatusDialing}, nil
	case <-ctx.Done():
		s.removeWaiter(peer, waiter)
		// The call may have bound while we were giving up.
		select {
		case id := <-waiter:
			return callservice.RemoteSession{ID: id, Status: callservice.StatusDialing}, nil
		default:
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return callservice.RemoteSession{}, ErrStartTimeout
		}
		return callservice.RemoteSession{}, ctx.Err()
	}
}

func hangupParams(id string, reason callsession.EndReason) string {
	switch reason {
	case callsession.ReasonDeclined:
		return id + " scode=603 reason=Decline"
	case callsession.ReasonNoAnswer:
		return id + " scode=480 reason=NoAnswer"
	}
	return id
}

// EndCall hangs up the current call. An unknown or already closed call is
// not an error.
func (s *Service) EndCall(ctx context.Context, reason callsession.EndReason) error {
	s.mu.Lock()
	id := s.currentID
	s.mu.Unlock()
	if id == "" {
		return nil
	}
	resp, err := s.client.Command(ctx, "hangup", hangupParams(id, reason))
	if err != nil {
		return errors.Wrap(err, "hangup")
	}
	if !resp.OK {
		s.log.Debug("hangup refused", zap.String("call_id", id), zap.String("data", resp.Data))
	}
	return nil
}

func (s *Service) simple(ctx context.Context, cmd, params string) error {
	s.mu.Lock()
	live := s.currentID != ""
	s.mu.Unlock()
	if !live {
		return callservice.ErrNoCall
	}
	resp, err := s.client.Command(ctx, cmd, params)
	if err != nil {
		return errors.Wrap(err, cmd)
	}
	if !resp.OK {
		return errors.Errorf("%s: %s", cmd, resp.Data)
	}
	return nil
}

func (s *Service) ToggleMute(ctx context.Context) error {
	return s.simple(ctx, "mute", "")
}

// ToggleSpeaker is not exposed by ctrl_tcp.
func (s *Service) ToggleSpeaker(context.Context) error {
	return callservice.ErrUnsupported
}

func (s *Service) ToggleVideo(ctx context.Context) error {
	s.mu.Lock()
	dir := "inactive"
	if !s.videoOn {
		dir = "sendrecv"
	}
	s.mu.Unlock()
	if err := s.simple(ctx, "video_dir", dir); err != nil {
		return err
	}
	s.mu.Lock()
	s.videoOn = dir == "sendrecv"
	s.mu.Unlock()
	return nil
}

func (s *Service) AnswerCall(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	c, ok := s.calls[sessionID]
	s.mu.Unlock()
	if !ok || !c.incoming {
		return callservice.ErrNoCall
	}
	return s.simple(ctx, "accept", sessionID)
}

func (s *Service) OnCallStateChange(listener func(callservice.Event)) func() {
	return s.events.Add(listener)
}

func (s *Service) OnIncomingCall(listener func(callservice.Incoming)) func() {
	return s.incoming.Add(listener)
}
