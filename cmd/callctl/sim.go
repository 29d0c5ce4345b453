package main

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/dense-identity/callctl/internal/callservice/grpcsvc"
	"github.com/dense-identity/callctl/internal/callservice/simulator"
	"github.com/dense-identity/callctl/internal/callsession"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func newSimCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Serve a simulated Call Service over gRPC",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.GRPCAddr = addr
			}
			ctx, stop := signalContext()
			defer stop()

			sim := newSimulator(cfg, log)
			lis, err := net.Listen("tcp", cfg.GRPCAddr)
			if err != nil {
				return errors.Wrapf(err, "listen on %s", cfg.GRPCAddr)
			}
			gs := grpc.NewServer()
			srv := grpcsvc.NewServer(sim, log)
			srv.Register(gs)
			defer srv.Close()

			errCh := make(chan error, 1)
			go func() {
				log.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
				errCh <- gs.Serve(lis)
			}()
			go simLoop(sim, cmd.InOrStdin(), cmd.OutOrStdout())

			select {
			case err := <-errCh:
				return errors.Wrap(err, "grpc serve")
			case <-ctx.Done():
				gs.GracefulStop()
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides GRPC_ADDR)")
	return cmd
}

// simLoop plays the remote party from stdin.
func simLoop(sim *simulator.Service, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		var err error
		switch parts[0] {
		case "offer":
			if len(parts) < 2 {
				fmt.Fprintln(out, "Usage: offer <peer> [video]")
				continue
			}
			kind := callsession.KindVoice
			if len(parts) >= 3 && parts[2] == "video" {
				kind = callsession.KindVideo
			}
			var id string
			id, err = sim.Offer(callsession.Peer{ID: parts[1]}, kind)
			if err == nil {
				fmt.Fprintf(out, "offered session %s\n", id)
			}
		case "answer":
			err = sim.Answer()
		case "hangup":
			err = sim.HangUp()
		case "decline":
			err = sim.Decline()
		case "fail":
			sim.SetFailStart(true)
		case "ok":
			sim.SetFailStart(false)
		case "status":
			fmt.Fprintf(out, "remote status: %s\n", sim.Status())
		default:
			fmt.Fprintln(out, "Commands: offer <peer> [video] | answer | hangup | decline | fail | ok | status")
		}
		if err != nil {
			fmt.Fprintf(out, "%s failed: %v\n", parts[0], err)
		}
	}
}
