package grpcsvc

import (
	"context"
	"sync"

	"github.com/dense-identity/callctl/internal/callservice"
	"github.com/dense-identity/callctl/internal/callsession"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// CallServiceServer is the server-side contract registered by Register.
type CallServiceServer interface {
	StartCall(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EndCall(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	ToggleMute(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	ToggleSpeaker(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	ToggleVideo(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	AnswerCall(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	WatchCallState(*emptypb.Empty, grpc.ServerStream) error
}

// watcher holds one WatchCallState stream plus its single-writer queue.
type watcher struct {
	stream    grpc.ServerStream
	sendQ     chan *structpb.Struct
	closeOnce sync.Once
}

func (w *watcher) closeQ() { w.closeOnce.Do(func() { close(w.sendQ) }) }

// Server exposes a local callservice.Service over gRPC.
type Server struct {
	svc callservice.Service
	log *zap.Logger

	mu       sync.RWMutex
	watchers map[*watcher]struct{}

	unsubscribe []func()
}

var _ CallServiceServer = (*Server)(nil)

// NewServer wraps svc and starts fanning its events out to watchers.
func NewServer(svc callservice.Service, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		svc:      svc,
		log:      log.Named("grpc_server"),
		watchers: make(map[*watcher]struct{}),
	}
	s.unsubscribe = append(s.unsubscribe, svc.OnCallStateChange(func(ev callservice.Event) {
		s.broadcast(encodeEvent(ev))
	}))
	if n, ok := svc.(callservice.IncomingNotifier); ok {
		s.unsubscribe = append(s.unsubscribe, n.OnIncomingCall(func(in callservice.Incoming) {
			s.broadcast(encodeIncoming(in))
		}))
	}
	return s
}

// Register adds the service to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// Close detaches from the wrapped service and ends every watch stream.
func (s *Server) Close() {
	for _, unsub := range s.unsubscribe {
		unsub()
	}
	s.mu.Lock()
	for w := range s.watchers {
		delete(s.watchers, w)
		w.closeQ()
	}
	s.mu.Unlock()
}

// Watchers returns the number of open watch streams.
func (s *Server) Watchers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.watchers)
}

func (s *Server) broadcast(msg *structpb.Struct) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for w := range s.watchers {
		select {
		case w.sendQ <- msg:
		default:
			s.log.Warn("watcher queue full, dropping event")
		}
	}
}

func (s *Server) removeWatcher(w *watcher) {
	s.mu.Lock()
	delete(s.watchers, w)
	s.mu.Unlock()
	w.closeQ()
}

func (s *Server) StartCall(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	contactID := str(req, fieldContactID)
	if contactID == "" {
		return nil, status.Error(codes.InvalidArgument, "contact_id is required")
	}
	kind, err := callsession.ParseKind(str(req, fieldKind))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	rs, err := s.svc.StartCall(ctx, contactID, str(req, fieldDisplayName), kind)
	if err != nil {
		s.log.Warn("start call failed", zap.String("to", contactID), zap.Error(err))
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{fieldSessionID: rs.ID, fieldStatus: string(rs.Status)}), nil
}

func (s *Server) EndCall(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	reason := callsession.EndReason(str(req, fieldReason))
	if reason == "" {
		reason = callsession.ReasonCompleted
	}
	if !reason.Valid() {
		return nil, status.Errorf(codes.InvalidArgument, "unknown reason %q", reason)
	}
	return &emptypb.Empty{}, toStatus(s.svc.EndCall(ctx, reason))
}

func (s *Server) ToggleMute(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, toStatus(s.svc.ToggleMute(ctx))
}

func (s *Server) ToggleSpeaker(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, toStatus(s.svc.ToggleSpeaker(ctx))
}

func (s *Server) ToggleVideo(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, toStatus(s.svc.ToggleVideo(ctx))
}

func (s *Server) AnswerCall(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	ans, ok := s.svc.(callservice.Answerer)
	if !ok {
		return nil, status.Error(codes.Unimplemented, "answer not supported")
	}
	return &emptypb.Empty{}, toStatus(ans.AnswerCall(ctx, str(req, fieldSessionID)))
}

// WatchCallState streams every event until the client goes away.
func (s *Server) WatchCallState(_ *emptypb.Empty, stream grpc.ServerStream) error {
	w := &watcher{stream: stream, sendQ: make(chan *structpb.Struct, 64)}
	s.mu.Lock()
	s.watchers[w] = struct{}{}
	s.mu.Unlock()
	s.log.Debug("watcher joined")
	defer s.removeWatcher(w)

	for {
		select {
		case msg, ok := <-w.sendQ:
			if !ok {
				return nil
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

type unaryCall[Req proto.Message] func(*Server, context.Context, Req) (proto.Message, error)

func unary[Req proto.Message](name string, newReq func() Req, call unaryCall[Req]) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(*Server), ctx, req.(Req))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}, handler)
		},
	}
}

func newStructReq() *structpb.Struct { return &structpb.Struct{} }
func newEmptyReq() *emptypb.Empty    { return &emptypb.Empty{} }

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CallServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(methodStartCall, newStructReq, func(s *Server, ctx context.Context, r *structpb.Struct) (proto.Message, error) {
			return s.StartCall(ctx, r)
		}),
		unary(methodEndCall, newStructReq, func(s *Server, ctx context.Context, r *structpb.Struct) (proto.Message, error) {
			return s.EndCall(ctx, r)
		}),
		unary(methodToggleMute, newEmptyReq, func(s *Server, ctx context.Context, r *emptypb.Empty) (proto.Message, error) {
			return s.ToggleMute(ctx, r)
		}),
		unary(methodToggleSpeaker, newEmptyReq, func(s *Server, ctx context.Context, r *emptypb.Empty) (proto.Message, error) {
			return s.ToggleSpeaker(ctx, r)
		}),
		unary(methodToggleVideo, newEmptyReq, func(s *Server, ctx context.Context, r *emptypb.Empty) (proto.Message, error) {
			return s.ToggleVideo(ctx, r)
		}),
		unary(methodAnswerCall, newStructReq, func(s *Server, ctx context.Context, r *structpb.Struct) (proto.Message, error) {
			return s.AnswerCall(ctx, r)
		}),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    methodWatch,
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := &emptypb.Empty{}
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(*Server).WatchCallState(in, stream)
			},
		},
	},
}
