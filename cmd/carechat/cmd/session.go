package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nfrund/carechat/internal/app"
	"github.com/nfrund/carechat/internal/domain"
	"github.com/nfrund/carechat/internal/session"
)

var sessionCmd = &cobra.Command{
	Use:   "session <channel-id>",
	Short: "Open a channel and chat from the terminal",
	Long: `Open a channel as the configured participant. Each line typed is sent
as a message.

Commands:
  /close         End the conversation (staff only)
  /read          Mark everything read
  /retry <id>    Resend an undelivered message
  /bottom        Jump to the latest message
  /quit          Leave the session`,
	Args: cobra.ExactArgs(1),
	RunE: runSession,
}

func init() {
	rootCmd.AddCommand(sessionCmd)
}

func runSession(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := app.New(cfg)
	runCtx, cancelRun := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(runCtx) }()

	runDone := false
	defer func() {
		cancelRun()
		if !runDone {
			<-runErr
		}
		a.Shutdown()
	}()

	manager, err := a.Sessions()
	if err != nil {
		return err
	}
	s, err := manager.Open(ctx, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	p := newPrinter(out)
	unsubscribe := s.Subscribe(p.Print)
	defer unsubscribe()
	s.Enter()

	lines := make(chan string)
	go readLines(cmd.InOrStdin(), lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-runErr:
			runDone = true
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, s, out, line); quit {
				return nil
			}
		}
	}
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

// handleLine runs one line of input and reports whether the user quit.
func handleLine(ctx context.Context, s *session.Session, out io.Writer, line string) bool {
	fields := strings.Fields(line)
	var err error
	switch {
	case len(fields) == 0:
		return false
	case fields[0] == "/quit":
		return true
	case fields[0] == "/close":
		err = s.Close(ctx)
	case fields[0] == "/read":
		err = s.MarkRead(ctx)
	case fields[0] == "/bottom":
		s.ScrolledToBottom()
	case fields[0] == "/retry" && len(fields) == 2:
		err = s.Retry(ctx, fields[1])
	default:
		_ = s.NotifyTyping(ctx)
		_, err = s.Send(ctx, line)
	}
	if err != nil {
		reportError(out, err)
	}
	return false
}

func reportError(out io.Writer, err error) {
	var rl *domain.RateLimitedError
	switch {
	case errors.As(err, &rl):
		fmt.Fprintf(out, "!! slow down, try again in %ds\n", rl.SecondsRemaining)
	case errors.Is(err, domain.ErrChannelClosed):
		fmt.Fprintln(out, "!! this conversation has ended")
	default:
		fmt.Fprintf(out, "!! %s: %v\n", domain.KindOf(err), err)
	}
}
