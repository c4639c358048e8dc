package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/DukeRupert/gatekeeper/internal/domain"
	"github.com/DukeRupert/gatekeeper/internal/middleware"
	"github.com/DukeRupert/gatekeeper/internal/ratelimit"
)

var ratelimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Inspect or clear rate limit windows",
	Long: `Operates on the shared redis windows. Submission windows are keyed by
email (or client IP when no email was given); payment lookups by client IP.`,
}

var ratelimitStatusCmd = &cobra.Command{
	Use:   "status <email-or-ip>",
	Short: "Show the current window for an identifier",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLimiter(cmd, func(l *ratelimit.Limiter) error {
			return printStatus(cmd.Context(), cmd.OutOrStdout(), l, limiterIdentifier(cmd, args[0]))
		})
	},
}

var ratelimitResetCmd = &cobra.Command{
	Use:   "reset <email-or-ip>",
	Short: "Clear the window for an identifier",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLimiter(cmd, func(l *ratelimit.Limiter) error {
			id := limiterIdentifier(cmd, args[0])
			if err := l.Reset(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", id)
			return nil
		})
	},
}

func init() {
	ratelimitCmd.PersistentFlags().Bool("payment", false, "use the payment lookup limiter (identifier is an IP)")
	ratelimitCmd.AddCommand(ratelimitStatusCmd, ratelimitResetCmd)
}

// limiterIdentifier maps CLI input to the key the service uses.
func limiterIdentifier(cmd *cobra.Command, arg string) string {
	if payment, _ := cmd.Flags().GetBool("payment"); payment {
		return middleware.ThrottleKey(arg)
	}
	if email := domain.NormalizeEmail(arg); email != "" {
		return email
	}
	return arg
}

func withLimiter(cmd *cobra.Command, fn func(*ratelimit.Limiter) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.RateLimitBackend != "redis" {
		return errors.New("RATE_LIMIT_BACKEND is memory; windows live inside the running service")
	}
	ws, _, err := a.windowStore(cmd.Context())
	if err != nil {
		return err
	}

	l := a.submissionLimiter(ws)
	if payment, _ := cmd.Flags().GetBool("payment"); payment {
		l = a.paymentLimiter(ws)
	}
	return fn(l)
}

func printStatus(ctx context.Context, w io.Writer, l *ratelimit.Limiter, id string) error {
	st, err := l.Status(ctx, id)
	if err != nil {
		return fmt.Errorf("rate limit status: %w", err)
	}
	fmt.Fprintf(w, "identifier: %s\nused:       %d/%d\n", id, st.Current, st.Max)
	if st.Current > 0 {
		fmt.Fprintf(w, "resets in:  %s\n", st.ResetIn.Round(time.Millisecond))
	}
	return nil
}
