package metrics

import "time"

// SubmissionFinished records the outcome of one pipeline run.
// outcome is "success", "denied" or "failed"; stage is the last stage reached.
func SubmissionFinished(outcome, stage string, duration time.Duration) {
	SubmissionsTotal.WithLabelValues(outcome, stage).Inc()
	SubmissionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// Denied records a rejected submission by error code.
func Denied(code string) {
	DenialsTotal.WithLabelValues(code).Inc()
}

// AIUsage records token usage and cost for a successful analysis call.
func AIUsage(inputTokens, outputTokens, costCents int) {
	AIAPICalls.WithLabelValues("success").Inc()
	AITokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	AITokensTotal.WithLabelValues("output").Add(float64(outputTokens))
	AICostCentsTotal.Add(float64(costCents))
}

// AIFailed records a failed analysis call.
func AIFailed() {
	AIAPICalls.WithLabelValues("error").Inc()
}
