package main

import (
	"context"

	"github.com/dense-identity/callctl/internal/callservice"
	"github.com/dense-identity/callctl/internal/callservice/baresip"
	"github.com/dense-identity/callctl/internal/callservice/grpcsvc"
	"github.com/dense-identity/callctl/internal/callservice/simulator"
	"github.com/dense-identity/callctl/internal/callsession"
	"github.com/dense-identity/callctl/internal/config"
	"github.com/dense-identity/callctl/internal/controller"
	"github.com/dense-identity/callctl/internal/history"
	"github.com/dense-identity/callctl/internal/ringer"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// app is one controller bound to the configured Call Service, with history
// recording and inbound presentation attached.
type app struct {
	cfg *config.Config
	log *zap.Logger

	svc      callservice.Service
	ctrl     *controller.Controller
	ring     *ringer.Coordinator
	store    history.Store
	recorder *history.Recorder

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	svc, closeSvc, err := buildService(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.svc = svc
	a.closers = append(a.closers, closeSvc)

	store, closeStore, err := buildHistory(ctx, cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, closeStore)

	a.ctrl = controller.New(svc, controller.Options{
		RingTimeout:  cfg.RingTimeout,
		TickInterval: cfg.TickInterval,
		CallTimeout:  cfg.CallTimeout,
		Logger:       log,
	})
	a.recorder = history.NewRecorder(store, log)
	a.closers = append(a.closers, a.recorder.Close)
	a.ctrl.OnStateChange(a.recorder.Observe)
	a.ctrl.OnWarning(func(w controller.Warning) {
		log.Debug("controller warning surfaced", zap.String("op", w.Op), zap.Error(w.Err))
	})
	a.closers = append(a.closers, a.ctrl.Close)

	if n, ok := svc.(callservice.IncomingNotifier); ok {
		sinks := logSinks{log: log.Named("sinks")}
		a.ring = ringer.New(a.ctrl, ringer.LogEffects{Log: log.Named("effects")}, ringer.Options{
			Clock:              a.ctrl.Clock(),
			AutoDeclineTimeout: cfg.AutoDeclineTimeout,
			Reminder:           sinks,
			Messenger:          sinks,
			Logger:             log,
		})
		unsubscribe := n.OnIncomingCall(a.present)
		a.closers = append(a.closers, unsubscribe, a.ring.Close)
	}
	return a, nil
}

func (a *app) present(in callservice.Incoming) {
	if err := a.ring.Present(in.SessionID, in.Peer, in.Kind); err != nil {
		a.log.Warn("incoming call not presented",
			zap.String("session_id", in.SessionID),
			zap.String("from", in.Peer.ID),
			zap.Error(err))
	}
}

// Close releases everything in reverse order of construction.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	_ = a.log.Sync()
}

func buildService(ctx context.Context, cfg *config.Config, log *zap.Logger) (callservice.Service, func(), error) {
	switch cfg.CallService {
	case config.ServiceSim:
		return newSimulator(cfg, log), func() {}, nil
	case config.ServiceGRPC:
		c, err := grpcsvc.NewClient(cfg.CallServiceAddr, cfg.CallServiceTLS, log)
		if err != nil {
			return nil, nil, errors.Wrap(err, "call service client")
		}
		return c, func() { _ = c.Close() }, nil
	case config.ServiceBaresip:
		s, err := baresip.Dial(ctx, baresip.Options{
			Addr:           cfg.BaresipAddr,
			Domain:         cfg.SipDomain,
			CommandTimeout: cfg.CallTimeout,
			Logger:         log,
		})
		if err != nil {
			return nil, nil, errors.Wrap(err, "baresip")
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, errors.Errorf("unknown call service %q", cfg.CallService)
	}
}

func newSimulator(cfg *config.Config, log *zap.Logger) *simulator.Service {
	return simulator.New(simulator.Options{
		RingAfter:   cfg.SimRingAfter,
		AnswerAfter: cfg.SimAnswerAfter,
		FailStart:   cfg.SimFailStart,
		Logger:      log,
	})
}

func buildHistory(ctx context.Context, cfg *config.Config, log *zap.Logger) (history.Store, func(), error) {
	if !cfg.RedisEnabled {
		return history.NewMemoryStore(cfg.HistoryMax), func() {}, nil
	}
	s, err := history.NewRedisStore(ctx, history.Options{
		Enabled:    true,
		Addr:       cfg.RedisAddr,
		Username:   cfg.RedisUsername,
		Password:   cfg.RedisPassword,
		DB:         cfg.RedisDB,
		Prefix:     cfg.HistoryPrefix,
		TTL:        cfg.HistoryTTL,
		MaxEntries: cfg.HistoryMax,
		Logger:     log,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "history")
	}
	return s, func() { _ = s.Close() }, nil
}

// logSinks stands in for the reminder and quick-reply features of a device.
type logSinks struct {
	log *zap.Logger
}

func (l logSinks) RemindLater(peer callsession.Peer) {
	l.log.Info("reminder scheduled", zap.String("peer_id", peer.ID))
}

func (l logSinks) SendMessage(peer callsession.Peer, text string) error {
	l.log.Info("quick reply sent", zap.String("peer_id", peer.ID), zap.String("text", text))
	return nil
}
