package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/DukeRupert/gatekeeper/internal/domain"
	"github.com/DukeRupert/gatekeeper/internal/storage"
	"github.com/DukeRupert/gatekeeper/internal/store"
)

var attemptsCmd = &cobra.Command{
	Use:   "attempts",
	Short: "Inspect upload attempts in the ledger",
}

var attemptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent attempts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := domain.AttemptFilter{
			Email:  domain.NormalizeEmail(email),
			Status: domain.AttemptStatus(status),
			Limit:  limit,
		}
		if status != "" && !filter.Status.IsValid() {
			return fmt.Errorf("unknown status %q", status)
		}

		return withLedger(cmd.Context(), func(a *app, s store.Store) error {
			attempts, err := s.ListAttempts(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printAttempts(cmd.OutOrStdout(), attempts)
		})
	},
}

var attemptsShowCmd = &cobra.Command{
	Use:   "show <attempt-id>",
	Short: "Show one attempt, its result and a link to the archived document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		expires, _ := cmd.Flags().GetDuration("expires")

		return withLedger(cmd.Context(), func(a *app, s store.Store) error {
			attempt, err := s.GetAttempt(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("attempt %s: %w", args[0], err)
			}

			link := archiveLink(cmd.Context(), a, attempt, expires)
			return printAttempt(cmd.OutOrStdout(), attempt, link)
		})
	},
}

var attemptsPurgeCmd = &cobra.Command{
	Use:   "purge <attempt-id>",
	Short: "Delete the archived document for an attempt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd.Context(), func(a *app, s store.Store) error {
			attempt, err := s.GetAttempt(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("attempt %s: %w", args[0], err)
			}
			archive, err := a.archive()
			if err != nil {
				return err
			}
			if archive == nil {
				return errors.New("no archive configured (STORAGE_PROVIDER=none)")
			}
			if err := archive.Remove(cmd.Context(), attempt.ID, attempt.ArtifactName); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", storage.ArtifactKey(attempt.ID, attempt.ArtifactName))
			return nil
		})
	},
}

func init() {
	attemptsListCmd.Flags().String("email", "", "only attempts for this email")
	attemptsListCmd.Flags().String("status", "", "processing, success or failed")
	attemptsListCmd.Flags().Int("limit", 50, "maximum rows")
	attemptsShowCmd.Flags().Duration("expires", time.Hour, "lifetime of the archive link")

	attemptsCmd.AddCommand(attemptsListCmd, attemptsShowCmd, attemptsPurgeCmd)
}

// withLedger opens the configured store for a one-shot command.
func withLedger(ctx context.Context, fn func(*app, store.Store) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.StoreBackend == store.BackendMemory {
		return errors.New("STORE_BACKEND is memory; point the CLI at the service's postgres or dynamodb ledger")
	}
	s, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	return fn(a, s)
}

func archiveLink(ctx context.Context, a *app, attempt domain.UploadAttempt, expires time.Duration) string {
	archive, err := a.archive()
	if err != nil || archive == nil {
		return ""
	}
	link, err := archive.URL(ctx, attempt.ID, attempt.ArtifactName, expires)
	if err != nil {
		if !storage.IsNotFound(err) {
			a.logger.Warn("archive lookup failed", "attempt_id", attempt.ID, "error", err)
		}
		return ""
	}
	return link
}

func printAttempts(w io.Writer, attempts []domain.UploadAttempt) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tEMAIL\tKIND\tSTATUS\tITEMS\tDETAIL")
	for _, a := range attempts {
		kind := "paid"
		if a.IsFree {
			kind = "free"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			a.ID,
			a.CreatedAt.UTC().Format(time.RFC3339),
			a.Email,
			kind,
			a.Status,
			a.ActionItemCount,
			truncate(a.ErrorDetail, 60),
		)
	}
	return tw.Flush()
}

func printAttempt(w io.Writer, a domain.UploadAttempt, archiveURL string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	row := func(k, v string) {
		if v != "" {
			fmt.Fprintf(tw, "%s:\t%s\n", k, v)
		}
	}
	row("ID", a.ID)
	row("Status", a.Status.String())
	row("Email", a.Email)
	row("Session", a.SessionID)
	row("Free", fmt.Sprint(a.IsFree))
	row("Document", a.ArtifactName)
	row("Size", fmt.Sprintf("%d bytes", a.ArtifactSize))
	row("Pages", fmt.Sprint(a.PageCount))
	row("Action items", fmt.Sprint(a.ActionItemCount))
	row("Delivery", a.DeliveryRef)
	row("Detail", a.ErrorDetail)
	row("Created", a.CreatedAt.UTC().Format(time.RFC3339))
	row("Updated", a.UpdatedAt.UTC().Format(time.RFC3339))
	row("Archive", archiveURL)
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(a.Result) == 0 {
		return nil
	}
	var pretty strings.Builder
	pretty.WriteString("\nResult:\n")
	var v any
	if err := json.Unmarshal(a.Result, &v); err != nil {
		pretty.Write(a.Result)
	} else {
		b, _ := json.MarshalIndent(v, "", "  ")
		pretty.Write(b)
	}
	pretty.WriteString("\n")
	_, err := io.WriteString(w, pretty.String())
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
