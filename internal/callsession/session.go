package callsession

import (
	"fmt"
	"strings"
	"time"
)

// Peer identifies the remote party of a call.
type Peer struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Validate requires a non-empty peer ID.
func (p Peer) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return ErrInvalidPeer
	}
	return nil
}

// Session is the authoritative record for one call attempt.
//
// A Session is owned by a single writer (the controller's queue); readers
// receive immutable Snapshots.
type Session struct {
	// AttemptID is generated by the controller before the Call Service is
	// contacted, so continuations can be matched before ID is known.
	AttemptID string
	// ID is assigned by the Call Service when the start request resolves.
	ID string

	Peer      Peer
	Kind      Kind
	Direction Direction
	State     State

	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time

	ElapsedSeconds int

	IsMuted     bool
	IsSpeakerOn bool
	IsCameraOn  bool

	EndReason EndReason
	Err       error
}

// NewSession creates a session in the Idle state.
func NewSession(attemptID string, peer Peer, kind Kind, dir Direction, now time.Time) *Session {
	return &Session{
		AttemptID:  attemptID,
		Peer:       peer,
		Kind:       kind,
		Direction:  dir,
		State:      StateIdle,
		CreatedAt:  now,
		IsCameraOn: kind == KindVideo,
	}
}

// IsOutgoing returns true if this is an outgoing call
func (s *Session) IsOutgoing() bool {
	return s.Direction == DirectionOutgoing
}

// IsIncoming returns true if this is an incoming call
func (s *Session) IsIncoming() bool {
	return s.Direction == DirectionIncoming
}

// Snapshot copies the session into its emitted form.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		AttemptID:      s.AttemptID,
		SessionID:      s.ID,
		Peer:           s.Peer,
		Kind:           s.Kind,
		Direction:      s.Direction,
		State:          s.State,
		ElapsedSeconds: s.ElapsedSeconds,
		IsMuted:        s.IsMuted,
		IsSpeakerOn:    s.IsSpeakerOn,
		IsCameraOn:     s.IsCameraOn && s.Kind == KindVideo,
		EndReason:      s.EndReason,
	}
	if !s.StartedAt.IsZero() {
		t := s.StartedAt
		snap.StartedAt = &t
	}
	if !s.EndedAt.IsZero() {
		t := s.EndedAt
		snap.EndedAt = &t
	}
	if s.Err != nil {
		snap.Error = s.Err.Error()
	}
	return snap
}

// Snapshot is the value emitted to subscribers on every transition or toggle.
type Snapshot struct {
	AttemptID      string     `json:"attempt_id,omitempty"`
	SessionID      string     `json:"session_id,omitempty"`
	Peer           Peer       `json:"peer"`
	Kind           Kind       `json:"kind"`
	Direction      Direction  `json:"direction"`
	State          State      `json:"state"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	ElapsedSeconds int        `json:"elapsed_seconds"`
	IsMuted        bool       `json:"is_muted"`
	IsSpeakerOn    bool       `json:"is_speaker_on"`
	IsCameraOn     bool       `json:"is_camera_on"`
	EndReason      EndReason  `json:"end_reason,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Active reports whether the snapshot describes a non-terminal attempt.
func (s Snapshot) Active() bool {
	return s.AttemptID != "" && !s.State.IsTerminal()
}

// Duration returns the formatted elapsed time.
func (s Snapshot) Duration() string {
	return FormatDuration(s.ElapsedSeconds)
}

// FormatDuration renders seconds as m:ss, or h:mm:ss from one hour on.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	sec := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%d:%02d", m, sec)
}
