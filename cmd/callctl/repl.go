package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dense-identity/callctl/internal/callsession"
	"github.com/dense-identity/callctl/internal/controller"
	"github.com/spf13/cobra"
)

func newReplCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Drive one call session from stdin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			a.ctrl.OnStateChange(func(s callsession.Snapshot) { printSnapshot(out, s) })
			a.ctrl.OnWarning(func(w controller.Warning) {
				fmt.Fprintf(out, "warning: %s failed: %v\n", w.Op, w.Err)
			})

			fmt.Fprintf(out, "===== callctl (%s) =====\n", cfg.CallService)
			printHelp(out)
			go commandLoop(ctx, a, cmd.InOrStdin(), out, stop)
			<-ctx.Done()
			return nil
		},
	}
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  dial <peer> [name]   - Place a voice call")
	fmt.Fprintln(w, "  video <peer> [name]  - Place a video call")
	fmt.Fprintln(w, "  end [reason]         - End the call")
	fmt.Fprintln(w, "  mute | speaker | camera")
	fmt.Fprintln(w, "  redial               - Retry after no answer or failure")
	fmt.Fprintln(w, "  answer | decline | remind | message <text>")
	fmt.Fprintln(w, "  status               - Show the current session")
	fmt.Fprintln(w, "  history [peer]       - Show finished calls")
	fmt.Fprintln(w, "  quit                 - Exit")
}

func printSnapshot(w io.Writer, s callsession.Snapshot) {
	if s.AttemptID == "" {
		fmt.Fprintln(w, "no call")
		return
	}
	name := s.Peer.DisplayName
	if name == "" {
		name = s.Peer.ID
	}
	fmt.Fprintf(w, "[%s] %s %s call with %s", s.State, s.Direction, s.Kind, name)
	if s.State == callsession.StateConnected || s.ElapsedSeconds > 0 {
		fmt.Fprintf(w, " %s", s.Duration())
	}
	var flags []string
	if s.IsMuted {
		flags = append(flags, "muted")
	}
	if s.IsSpeakerOn {
		flags = append(flags, "speaker")
	}
	if s.IsCameraOn {
		flags = append(flags, "camera")
	}
	if len(flags) > 0 {
		fmt.Fprintf(w, " (%s)", strings.Join(flags, ","))
	}
	if s.EndReason != "" {
		fmt.Fprintf(w, " reason=%s", s.EndReason)
	}
	if s.Error != "" {
		fmt.Fprintf(w, " error=%q", s.Error)
	}
	fmt.Fprintln(w)
}

// commandLoop reads commands from in until EOF or quit; quit stops the process.
func commandLoop(ctx context.Context, a *app, in io.Reader, out io.Writer, stop context.CancelFunc) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		if quit := runCommand(ctx, a, out, parts); quit {
			stop()
			return
		}
	}
}

// runCommand executes one parsed line and reports whether to exit.
func runCommand(ctx context.Context, a *app, out io.Writer, parts []string) bool {
	switch cmd := strings.ToLower(parts[0]); cmd {
	case "dial", "video":
		if len(parts) < 2 {
			fmt.Fprintf(out, "Usage: %s <peer> [name]\n", cmd)
			return false
		}
		kind := callsession.KindVoice
		if cmd == "video" {
			kind = callsession.KindVideo
		}
		peer := callsession.Peer{ID: parts[1], DisplayName: strings.Join(parts[2:], " ")}
		if err := a.ctrl.Start(peer, kind); err != nil {
			fmt.Fprintf(out, "Dial failed: %v\n", err)
		}

	case "end", "hangup":
		reason := callsession.ReasonCompleted
		if len(parts) >= 2 {
			reason = callsession.EndReason(parts[1])
			if !reason.Valid() {
				fmt.Fprintln(out, "reason must be completed|declined|no_answer|failed")
				return false
			}
		}
		a.ctrl.End(reason)

	case "mute":
		a.ctrl.ToggleMute()
	case "speaker":
		a.ctrl.ToggleSpeaker()
	case "camera":
		a.ctrl.ToggleVideo()

	case "redial":
		if err := a.ctrl.Redial(); err != nil {
			fmt.Fprintf(out, "Redial failed: %v\n", err)
		}

	case "answer", "decline", "remind", "message":
		if a.ring == nil {
			fmt.Fprintln(out, "this call service does not receive calls")
			return false
		}
		var ok bool
		switch cmd {
		case "answer":
			ok = a.ring.Answer()
		case "decline":
			ok = a.ring.Decline()
		case "remind":
			ok = a.ring.RemindLater()
		default:
			if len(parts) < 2 {
				fmt.Fprintln(out, "Usage: message <text>")
				return false
			}
			ok = a.ring.Message(strings.Join(parts[1:], " "))
		}
		if !ok {
			fmt.Fprintln(out, "no incoming call")
		}

	case "status":
		printSnapshot(out, a.ctrl.Snapshot())

	case "history":
		peerID := ""
		if len(parts) >= 2 {
			peerID = parts[1]
		}
		recs, err := a.store.List(ctx, peerID, 20)
		if err != nil {
			fmt.Fprintf(out, "History failed: %v\n", err)
			return false
		}
		if len(recs) == 0 {
			fmt.Fprintln(out, "No calls")
		}
		for _, r := range recs {
			fmt.Fprintf(out, "  - %s %s %s %s %s reason=%s\n",
				r.EndedAt.Format("2006-01-02 15:04:05"), r.Direction, r.Peer.ID,
				r.Outcome, callsession.FormatDuration(r.DurationSeconds), r.EndReason)
		}

	case "help":
		printHelp(out)

	case "quit", "exit":
		return true

	default:
		fmt.Fprintf(out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}
