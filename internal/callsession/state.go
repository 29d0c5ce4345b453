package callsession

import (
	"fmt"
	"strings"
)

// State represents the lifecycle state of a call session
type State int

const (
	StateIdle State = iota
	StateDialing
	StateRinging
	StateConnecting
	StateConnected
	StateEnded
	StateNoAnswer
	StateFailed
)

var stateNames = []string{
	"idle", "dialing", "ringing", "connecting",
	"connected", "ended", "no_answer", "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// ParseState is the inverse of String.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return StateIdle, fmt.Errorf("unknown call state %q", name)
}

// IsTerminal reports whether no further transition is accepted from s.
func (s State) IsTerminal() bool {
	return s == StateEnded || s == StateNoAnswer || s == StateFailed
}

// RingTimerValid reports whether a ring-timeout timer may be outstanding in s.
func (s State) RingTimerValid() bool {
	return s == StateIdle || s == StateDialing || s == StateRinging
}

// Redialable reports whether redial is accepted from s.
func (s State) Redialable() bool {
	return s == StateNoAnswer || s == StateFailed
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Kind is the media kind of a call
type Kind int

const (
	KindVoice Kind = iota
	KindVideo
)

func (k Kind) String() string {
	if k == KindVideo {
		return "video"
	}
	return "voice"
}

// ParseKind accepts "voice" or "video" (case-insensitive).
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "voice", "audio", "":
		return KindVoice, nil
	case "video":
		return KindVideo, nil
	default:
		return KindVoice, fmt.Errorf("unknown call kind %q", name)
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Direction tells whether the call was placed or received
type Direction int

const (
	DirectionOutgoing Direction = iota
	DirectionIncoming
)

func (d Direction) String() string {
	if d == DirectionIncoming {
		return "incoming"
	}
	return "outgoing"
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(b []byte) error {
	switch string(b) {
	case "outgoing":
		*d = DirectionOutgoing
	case "incoming":
		*d = DirectionIncoming
	default:
		return fmt.Errorf("unknown call direction %q", string(b))
	}
	return nil
}

// EndReason is forwarded to the Call Service when a session is terminated.
type EndReason string

const (
	ReasonNoAnswer  EndReason = "no_answer"
	ReasonDeclined  EndReason = "declined"
	ReasonCompleted EndReason = "completed"
	ReasonFailed    EndReason = "failed"
)

// Valid reports whether r is one of the reasons understood by the Call Service.
func (r EndReason) Valid() bool {
	switch r {
	case ReasonNoAnswer, ReasonDeclined, ReasonCompleted, ReasonFailed:
		return true
	default:
		return false
	}
}
