// Package simulator is an in-process Call Service. It walks every call
// through dialing, ringing and connected on a clock, and lets a caller drive
// the remote side by hand.
package simulator

import (
	"context"
	"sync"
	"time"

	"github.com/dense-identity/callctl/internal/callservice"
	"github.com/dense-identity/callctl/internal/callsession"
	"github.com/dense-identity/callctl/internal/eventloop"
	"github.com/dense-identity/callctl/internal/timers"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrBusy is returned by StartCall while another simulated call is live.
var ErrBusy = errors.New("simulator: call already in progress")

const defaultConnectAfter = 250 * time.Millisecond

type Options struct {
	Clock timers.Clock
	// RingAfter is the delay between dialing and ringing.
	RingAfter time.Duration
	// AnswerAfter is the delay between ringing and the remote answering.
	// Zero leaves the call ringing until Answer is called.
	AnswerAfter time.Duration
	// ConnectAfter is the delay between connecting and connected.
	ConnectAfter time.Duration
	// FailStart makes every StartCall fail with callservice.ErrRejected.
	FailStart bool
	Logger    *zap.Logger
}

type call struct {
	id       string
	peer     callsession.Peer
	kind     callsession.Kind
	status   callservice.RemoteStatus
	incoming bool
	pending  []clockwork.Timer
}

// Service implements callservice.Service, callservice.Answerer and
// callservice.IncomingNotifier.
type Service struct {
	clock timers.Clock
	opts  Options
	log   *zap.Logger

	events   *eventloop.Listeners[callservice.Event]
	incoming *eventloop.Listeners[callservice.Incoming]

	mu        sync.Mutex
	current   *call
	failStart bool
	ends      []callsession.EndReason
	toggles   map[string]int
}

var (
	_ callservice.Service          = (*Service)(nil)
	_ callservice.Answerer         = (*Service)(nil)
	_ callservice.IncomingNotifier = (*Service)(nil)
)

// New creates a simulator.
func New(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = timers.RealClock()
	}
	if opts.ConnectAfter <= 0 {
		opts.ConnectAfter = defaultConnectAfter
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		clock:     opts.Clock,
		opts:      opts,
		log:       log.Named("simulator"),
		events:    eventloop.NewListeners[callservice.Event](),
		incoming:  eventloop.NewListeners[callservice.Incoming](),
		failStart: opts.FailStart,
		toggles:   map[string]int{},
	}
}

func (s *Service) StartCall(ctx context.Context, contactID, displayName string, kind callsession.Kind) (callservice.RemoteSession, error) {
	if err := ctx.Err(); err != nil {
		return callservice.RemoteSession{}, err
	}
	s.mu.Lock()
	if s.failStart {
		s.mu.Unlock()
		return callservice.RemoteSession{}, errors.Wrapf(callservice.ErrRejected, "dial %s", contactID)
	}
	if s.current != nil {
		s.mu.Unlock()
		return callservice.RemoteSession{}, ErrBusy
	}
	c := &call{
		id:     uuid.NewString(),
		peer:   callsession.Peer{ID: contactID, DisplayName: displayName},
		kind:   kind,
		status: callservice.StatusDialing,
	}
	s.current = c
	s.mu.Unlock()
	s.log.Info("dialing", zap.String("session_id", c.id), zap.String("to", contactID), zap.Stringer("kind", kind))

	s.after(c, s.opts.RingAfter, func() {
		if s.opts.AnswerAfter > 0 {
			s.after(c, s.opts.AnswerAfter, func() { s.connect(c) })
		}
		s.advance(c, callservice.StatusRinging)
	})
	return callservice.RemoteSession{ID: c.id, Status: callservice.StatusDialing}, nil
}

// after schedules fn against c. Every callback goes through advance or
// finish, which ignore a call that is no longer live.
func (s *Service) after(c *call, d time.Duration, fn func()) {
	t := s.clock.AfterFunc(d, fn)
	s.mu.Lock()
	c.pending = append(c.pending, t)
	s.mu.Unlock()
}

// advance moves c to status if c is still the live call, then notifies.
func (s *Service) advance(c *call, status callservice.RemoteStatus) bool {
	s.mu.Lock()
	if s.current != c {
		s.mu.Unlock()
		return false
	}
	c.status = status
	s.mu.Unlock()
	s.log.Debug("status", zap.String("session_id", c.id), zap.String("status", string(status)))
	s.events.Notify(callservice.Event{
		SessionID: c.id,
		Session:   &callservice.RemoteSession{ID: c.id, Status: status},
	})
	return true
}

// connect arms connected before announcing connecting.
func (s *Service) connect(c *call) {
	s.after(c, s.opts.ConnectAfter, func() { s.advance(c, callservice.StatusConnected) })
	s.advance(c, callservice.StatusConnecting)
}

// finish drops c as the live call and notifies an end.
func (s *Service) finish(c *call) bool {
	s.mu.Lock()
	if c == nil || s.current != c {
		s.mu.Unlock()
		return false
	}
	for _, t := range c.pending {
		t.Stop()
	}
	s.current = nil
	s.mu.Unlock()
	s.events.Notify(callservice.Event{SessionID: c.id})
	return true
}

func (s *Service) EndCall(_ context.Context, reason callsession.EndReason) error {
	s.mu.Lock()
	c := s.current
	if c != nil {
		s.ends = append(s.ends, reason)
	}
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	s.log.Info("call ended", zap.String("session_id", c.id), zap.String("reason", string(reason)))
	s.finish(c)
	return nil
}

func (s *Service) toggle(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return callservice.ErrNoCall
	}
	s.toggles[name]++
	return nil
}

func (s *Service) ToggleMute(context.Context) error    { return s.toggle("mute") }
func (s *Service) ToggleSpeaker(context.Context) error { return s.toggle("speaker") }

func (s *Service) ToggleVideo(context.Context) error {
	s.mu.Lock()
	voice := s.current != nil && s.current.kind != callsession.KindVideo
	s.mu.Unlock()
	if voice {
		return callservice.ErrUnsupported
	}
	return s.toggle("video")
}

func (s *Service) OnCallStateChange(listener func(callservice.Event)) func() {
	return s.events.Add(listener)
}

func (s *Service) OnIncomingCall(listener func(callservice.Incoming)) func() {
	return s.incoming.Add(listener)
}

// AnswerCall accepts the inbound call sessionID.
func (s *Service) AnswerCall(_ context.Context, sessionID string) error {
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()
	if c == nil || c.id != sessionID || !c.incoming {
		return callservice.ErrNoCall
	}
	s.connect(c)
	return nil
}

// Offer simulates an inbound call from peer and returns its session ID.
func (s *Service) Offer(peer callsession.Peer, kind callsession.Kind) (string, error) {
	s.mu.Lock()
	if s.current != nil {
		s.mu.Unlock()
		return "", ErrBusy
	}
	c := &call{
		id:       uuid.NewString(),
		peer:     peer,
		kind:     kind,
		status:   callservice.StatusRinging,
		incoming: true,
	}
	s.current = c
	s.mu.Unlock()
	s.log.Info("incoming call", zap.String("session_id", c.id), zap.String("from", peer.ID))
	s.incoming.Notify(callservice.Incoming{SessionID: c.id, Peer: peer, Kind: kind})
	return c.id, nil
}

// Answer makes the remote side pick up the live outgoing call now.
func (s *Service) Answer() error {
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()
	if c == nil {
		return callservice.ErrNoCall
	}
	s.connect(c)
	return nil
}

// HangUp makes the remote side end the live call.
func (s *Service) HangUp() error {
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()
	if !s.finish(c) {
		return callservice.ErrNoCall
	}
	return nil
}

// Decline makes the remote side reject the live call while it is ringing.
func (s *Service) Decline() error {
	s.mu.Lock()
	c := s.current
	ringing := c != nil && c.status != callservice.StatusConnected
	s.mu.Unlock()
	if !ringing {
		return callservice.ErrNoCall
	}
	if !s.advance(c, callservice.StatusFailed) {
		return callservice.ErrNoCall
	}
	s.finish(c)
	return nil
}

// SetFailStart toggles start rejection.
func (s *Service) SetFailStart(fail bool) {
	s.mu.Lock()
	s.failStart = fail
	s.mu.Unlock()
}

// Ends returns the reasons passed to EndCall for live calls.
func (s *Service) Ends() []callsession.EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]callsession.EndReason(nil), s.ends...)
}

// Toggles returns how many times the named toggle was forwarded.
func (s *Service) Toggles(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toggles[name]
}

// Status returns the live call's status, StatusEnded when there is none.
func (s *Service) Status() callservice.RemoteStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return callservice.StatusEnded
	}
	return s.current.status
}
