package grpcsvc

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/dense-identity/callctl/internal/callservice"
	"github.com/dense-identity/callctl/internal/callsession"
	"github.com/dense-identity/callctl/internal/eventloop"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

var watchDesc = grpc.StreamDesc{StreamName: methodWatch, ServerStreams: true}

// Client is a callservice.Service backed by a remote CallService.
type Client struct {
	conn *grpc.ClientConn
	log  *zap.Logger

	events   *eventloop.Listeners[callservice.Event]
	incoming *eventloop.Listeners[callservice.Incoming]

	retryBackoff []time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var (
	_ callservice.Service          = (*Client)(nil)
	_ callservice.Answerer         = (*Client)(nil)
	_ callservice.IncomingNotifier = (*Client)(nil)
)

// NewClient dials addr with TLS (system roots) or plaintext and starts
// watching call state.
func NewClient(addr string, useTLS bool, log *zap.Logger, extraOpts ...grpc.DialOption) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var creds grpc.DialOption
	if useTLS {
		creds = grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, ""))
	} else {
		creds = grpc.WithTransportCredentials(insecure.NewCredentials())
	}

	kacp := keepalive.ClientParameters{
		Time:                30 * time.Second,
		Timeout:             10 * time.Second,
		PermitWithoutStream: true,
	}

	opts := []grpc.DialOption{
		creds,
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(4*1024*1024),
			grpc.MaxCallSendMsgSize(4*1024*1024),
		),
	}
	opts = append(opts, extraOpts...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "dial call service %s", addr)
	}

	c := &Client{
		conn:         conn,
		log:          log.Named("grpc_client"),
		events:       eventloop.NewListeners[callservice.Event](),
		incoming:     eventloop.NewListeners[callservice.Incoming](),
		retryBackoff: []time.Duration{0, 500 * time.Millisecond, 1 * time.Second, 2 * time.Second, 5 * time.Second},
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(1)
	go c.watchLoop()
	return c, nil
}

// Close stops watching and closes the connection.
func (c *Client) Close() error {
	c.cancel()
	c.wg.Wait()
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return fromStatus(c.conn.Invoke(ctx, fullMethod(method), in, out))
}

func (c *Client) StartCall(ctx context.Context, contactID, displayName string, kind callsession.Kind) (callservice.RemoteSession, error) {
	req := newStruct(map[string]any{
		fieldContactID:   contactID,
		fieldDisplayName: displayName,
		fieldKind:        kind.String(),
	})
	out := &structpb.Struct{}
	if err := c.invoke(ctx, methodStartCall, req, out); err != nil {
		return callservice.RemoteSession{}, err
	}
	return callservice.RemoteSession{
		ID:     str(out, fieldSessionID),
		Status: callservice.RemoteStatus(str(out, fieldStatus)),
	}, nil
}

func (c *Client) EndCall(ctx context.Context, reason callsession.EndReason) error {
	req := newStruct(map[string]any{fieldReason: string(reason)})
	return c.invoke(ctx, methodEndCall, req, &emptypb.Empty{})
}

func (c *Client) ToggleMute(ctx context.Context) error {
	return c.invoke(ctx, methodToggleMute, &emptypb.Empty{}, &emptypb.Empty{})
}

func (c *Client) ToggleSpeaker(ctx context.Context) error {
	return c.invoke(ctx, methodToggleSpeaker, &emptypb.Empty{}, &emptypb.Empty{})
}

func (c *Client) ToggleVideo(ctx context.Context) error {
	return c.invoke(ctx, methodToggleVideo, &emptypb.Empty{}, &emptypb.Empty{})
}

func (c *Client) AnswerCall(ctx context.Context, sessionID string) error {
	req := newStruct(map[string]any{fieldSessionID: sessionID})
	return c.invoke(ctx, methodAnswerCall, req, &emptypb.Empty{})
}

func (c *Client) OnCallStateChange(listener func(callservice.Event)) func() {
	return c.events.Add(listener)
}

func (c *Client) OnIncomingCall(listener func(callservice.Incoming)) func() {
	return c.incoming.Add(listener)
}

// watchLoop keeps a WatchCallState stream open, reconnecting with backoff.
func (c *Client) watchLoop() {
	defer c.wg.Done()

	backoffIdx := 0
	for {
		if c.ctx.Err() != nil {
			return
		}
		stream, err := c.openWatch()
		if err != nil {
			if c.transient(err) && c.sleepBackoff(backoffIdx) {
				backoffIdx++
				continue
			}
			c.log.Warn("watch failed", zap.Error(err))
			return
		}
		backoffIdx = 0

		err = c.recvLoop(stream)
		if c.ctx.Err() != nil {
			return
		}
		if err == io.EOF {
			c.log.Info("watch closed by server, reconnecting")
		} else {
			c.log.Warn("watch interrupted", zap.Error(err))
		}
		if !c.sleepBackoff(backoffIdx) {
			return
		}
		backoffIdx++
	}
}

func (c *Client) openWatch() (grpc.ClientStream, error) {
	stream, err := c.conn.NewStream(c.ctx, &watchDesc, fullMethod(methodWatch), grpc.WaitForReady(true))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return stream, nil
}

func (c *Client) recvLoop(stream grpc.ClientStream) error {
	for {
		msg := &structpb.Struct{}
		if err := stream.RecvMsg(msg); err != nil {
			return err
		}
		if boolean(msg, fieldIncoming) {
			c.incoming.Notify(decodeIncoming(msg))
			continue
		}
		c.events.Notify(decodeEvent(msg))
	}
}

func (c *Client) sleepBackoff(idx int) bool {
	if c.ctx.Err() != nil {
		return false
	}
	if idx >= len(c.retryBackoff) {
		idx = len(c.retryBackoff) - 1
	}
	select {
	case <-time.After(c.retryBackoff[idx]):
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Client) transient(err error) bool {
	if c.ctx.Err() != nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return true
	}
	switch st.Code() {
	case codes.Unavailable, codes.ResourceExhausted, codes.Canceled, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}
