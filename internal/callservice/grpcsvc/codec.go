// Package grpcsvc carries the Call Service contract over gRPC. Messages are
// well-known protobuf types so no generated stubs are needed: requests and
// pushes are google.protobuf.Struct, empty results google.protobuf.Empty.
package grpcsvc

import (
	"github.com/dense-identity/callctl/internal/callservice"
	"github.com/dense-identity/callctl/internal/callsession"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "callctl.callservice.v1.CallService"

const (
	methodStartCall     = "StartCall"
	methodEndCall       = "EndCall"
	methodToggleMute    = "ToggleMute"
	methodToggleSpeaker = "ToggleSpeaker"
	methodToggleVideo   = "ToggleVideo"
	methodAnswerCall    = "AnswerCall"
	methodWatch         = "WatchCallState"
)

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// Struct field names.
const (
	fieldContactID   = "contact_id"
	fieldDisplayName = "display_name"
	fieldKind        = "kind"
	fieldReason      = "reason"
	fieldSessionID   = "session_id"
	fieldStatus      = "status"
	fieldIncoming    = "incoming"
	fieldPeerID      = "peer_id"
)

func str(s *structpb.Struct, key string) string {
	if s == nil {
		return ""
	}
	return s.GetFields()[key].GetStringValue()
}

func boolean(s *structpb.Struct, key string) bool {
	if s == nil {
		return false
	}
	return s.GetFields()[key].GetBoolValue()
}

func newStruct(fields map[string]any) *structpb.Struct {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		// Only string and bool values are ever passed.
		panic(err)
	}
	return s
}

func encodeEvent(ev callservice.Event) *structpb.Struct {
	return newStruct(map[string]any{
		fieldSessionID: ev.SessionID,
		fieldStatus:    string(ev.Status()),
	})
}

func decodeEvent(s *structpb.Struct) callservice.Event {
	ev := callservice.Event{SessionID: str(s, fieldSessionID)}
	st := callservice.RemoteStatus(str(s, fieldStatus))
	if st != callservice.StatusEnded {
		ev.Session = &callservice.RemoteSession{ID: ev.SessionID, Status: st}
	}
	return ev
}

func encodeIncoming(in callservice.Incoming) *structpb.Struct {
	return newStruct(map[string]any{
		fieldIncoming:    true,
		fieldSessionID:   in.SessionID,
		fieldPeerID:      in.Peer.ID,
		fieldDisplayName: in.Peer.DisplayName,
		fieldKind:        in.Kind.String(),
	})
}

func decodeIncoming(s *structpb.Struct) callservice.Incoming {
	kind, _ := callsession.ParseKind(str(s, fieldKind))
	return callservice.Incoming{
		SessionID: str(s, fieldSessionID),
		Peer:      callsession.Peer{ID: str(s, fieldPeerID), DisplayName: str(s, fieldDisplayName)},
		Kind:      kind,
	}
}

// toStatus maps service errors onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, callservice.ErrUnsupported):
		return status.Error(codes.Unimplemented, err.Error())
	case errors.Is(err, callservice.ErrRejected):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, callservice.ErrNoCall):
		return status.Error(codes.NotFound, err.Error())
	}
	return status.FromContextError(err).Err()
}

// fromStatus is the inverse of toStatus.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unimplemented:
		return errors.Wrap(callservice.ErrUnsupported, st.Message())
	case codes.Aborted:
		return errors.Wrap(callservice.ErrRejected, st.Message())
	case codes.NotFound:
		return errors.Wrap(callservice.ErrNoCall, st.Message())
	}
	return err
}
