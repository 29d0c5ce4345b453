// Package callservice defines the Call Service boundary: the signaling and
// media provider that actually places calls. The lifecycle controller treats
// every implementation as opaque.
package callservice

import (
	"context"

	"github.com/dense-identity/callctl/internal/callsession"
	"github.com/pkg/errors"
)

var (
	// ErrUnsupported is returned by adapters whose transport lacks an operation.
	ErrUnsupported = errors.New("operation not supported by call service")
	// ErrRejected is returned when the service refuses to place a call.
	ErrRejected = errors.New("call rejected by call service")
	// ErrNoCall is returned when an operation needs a session the service does not have.
	ErrNoCall = errors.New("no call in progress")
)

// RemoteStatus is the service's view of a session.
type RemoteStatus string

const (
	StatusDialing    RemoteStatus = "dialing"
	StatusRinging    RemoteStatus = "ringing"
	StatusConnecting RemoteStatus = "connecting"
	StatusConnected  RemoteStatus = "connected"
	StatusEnded      RemoteStatus = "ended"
	StatusFailed     RemoteStatus = "failed"
)

// RemoteSession is a session snapshot pushed or returned by the service.
type RemoteSession struct {
	ID     string       `json:"id"`
	Status RemoteStatus `json:"status"`
}

// Event is one push from the service's state stream. A nil Session means the
// session identified by SessionID has ended on the service side.
type Event struct {
	SessionID string
	Session   *RemoteSession
}

// Ended reports whether the event signals the end of the session.
func (e Event) Ended() bool {
	return e.Session == nil
}

// Status returns the pushed status, StatusEnded for end notifications.
func (e Event) Status() RemoteStatus {
	if e.Session == nil {
		return StatusEnded
	}
	return e.Session.Status
}

// Service is the contract the controller consumes.
type Service interface {
	StartCall(ctx context.Context, contactID, displayName string, kind callsession.Kind) (RemoteSession, error)
	// EndCall ends the service's current session. It must be idempotent.
	EndCall(ctx context.Context, reason callsession.EndReason) error
	ToggleMute(ctx context.Context) error
	ToggleSpeaker(ctx context.Context) error
	ToggleVideo(ctx context.Context) error
	// OnCallStateChange registers listener for pushed session snapshots and
	// returns an unsubscribe function.
	OnCallStateChange(listener func(Event)) (unsubscribe func())
}

// Answerer is implemented by services that can accept an inbound session.
type Answerer interface {
	AnswerCall(ctx context.Context, sessionID string) error
}

// Incoming describes an inbound session offered by the service.
type Incoming struct {
	SessionID string
	Peer      callsession.Peer
	Kind      callsession.Kind
}

// IncomingNotifier is implemented by services that can receive calls.
type IncomingNotifier interface {
	OnIncomingCall(listener func(Incoming)) (unsubscribe func())
}

// FormatDuration renders elapsed seconds for display.
func FormatDuration(seconds int) string {
	return callsession.FormatDuration(seconds)
}
