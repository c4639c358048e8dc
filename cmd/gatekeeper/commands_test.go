package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/gatekeeper/internal/domain"
	"github.com/DukeRupert/gatekeeper/internal/ratelimit"
)

func TestPrintAttempts(t *testing.T) {
	created := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	attempts := []domain.UploadAttempt{
		{ID: "a1", Email: "one@example.org", Status: domain.AttemptStatusSuccess, ActionItemCount: 4, CreatedAt: created},
		{ID: "a2", Email: "two@example.org", Status: domain.AttemptStatusFailed, IsFree: true, ErrorDetail: domain.DetailNotDelivered, CreatedAt: created},
	}

	var buf bytes.Buffer
	require.NoError(t, printAttempts(&buf, attempts))

	out := buf.String()
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "one@example.org")
	assert.Contains(t, out, "2024-05-02T10:00:00Z")
	assert.Contains(t, out, "paid")
	assert.Contains(t, out, "free")
	assert.Contains(t, out, domain.DetailNotDelivered)
}

func TestPrintAttempt_WithResultAndArchive(t *testing.T) {
	a := domain.UploadAttempt{
		ID:              "a1",
		Email:           "one@example.org",
		SessionID:       "cs_test_abc",
		Status:          domain.AttemptStatusSuccess,
		ArtifactName:    "survey.pdf",
		ActionItemCount: 2,
		Result:          json.RawMessage(`{"summary":"ok"}`),
	}

	var buf bytes.Buffer
	require.NoError(t, printAttempt(&buf, a, "https://files.test/attempts/a1/survey.pdf"))

	out := buf.String()
	assert.Contains(t, out, "cs_test_abc")
	assert.Contains(t, out, "survey.pdf")
	assert.Contains(t, out, "https://files.test/attempts/a1/survey.pdf")
	assert.Contains(t, out, "Result:")
	assert.Contains(t, out, `"summary": "ok"`)
}

func TestPrintAttempt_OmitsEmptyFields(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printAttempt(&buf, domain.UploadAttempt{ID: "a1", Status: domain.AttemptStatusProcessing}, ""))

	assert.NotContains(t, buf.String(), "Archive:")
	assert.NotContains(t, buf.String(), "Session:")
	assert.NotContains(t, buf.String(), "Result:")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

func TestPrintStatus(t *testing.T) {
	ctx := context.Background()
	l := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.Config{Limit: 3, Window: time.Minute},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.True(t, l.Allow(ctx, "one@example.org"))
	require.True(t, l.Allow(ctx, "one@example.org"))

	var buf bytes.Buffer
	require.NoError(t, printStatus(ctx, &buf, l, "one@example.org"))
	assert.Contains(t, buf.String(), "2/3")
	assert.Contains(t, buf.String(), "resets in")

	buf.Reset()
	require.NoError(t, printStatus(ctx, &buf, l, "nobody@example.org"))
	assert.Contains(t, buf.String(), "0/3")
	assert.NotContains(t, buf.String(), "resets in")
}

func TestLimiterIdentifier(t *testing.T) {
	newCmd := func(payment bool) *cobra.Command {
		cmd := &cobra.Command{}
		cmd.Flags().Bool("payment", false, "")
		if payment {
			require.NoError(t, cmd.Flags().Set("payment", "true"))
		}
		return cmd
	}

	assert.Equal(t, "one@example.org", limiterIdentifier(newCmd(false), " One@Example.org "))
	assert.Equal(t, "ip:203.0.113.9", limiterIdentifier(newCmd(true), "203.0.113.9"))
}

func TestMigrateCmd_RejectsUnknownCommand(t *testing.T) {
	assert.Error(t, migrateCmd.Args(migrateCmd, []string{"sideways"}))
	assert.Error(t, migrateCmd.Args(migrateCmd, []string{"up", "down"}))
	assert.NoError(t, migrateCmd.Args(migrateCmd, []string{"status"}))
	assert.NoError(t, migrateCmd.Args(migrateCmd, nil))
}
