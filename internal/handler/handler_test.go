package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/gatekeeper/internal/domain"
	"github.com/DukeRupert/gatekeeper/internal/pipeline"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) JSONError {
	t.Helper()
	var body JSONError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

// =============================================================================
// Error responses
// =============================================================================

func TestErrorCodeToHTTPStatus(t *testing.T) {
	tests := map[string]int{
		domain.EINVALID:              http.StatusBadRequest,
		domain.EUNAUTHORIZED:         http.StatusUnauthorized,
		domain.EMISSINGSESSION:       http.StatusForbidden,
		domain.EVERIFICATIONFAILED:   http.StatusForbidden,
		domain.EPAYMENTNOTFOUND:      http.StatusForbidden,
		domain.EPAYMENTUSED:          http.StatusForbidden,
		domain.EEMAILMISMATCH:        http.StatusForbidden,
		domain.ENOTFOUND:             http.StatusNotFound,
		domain.ETOOLARGE:             http.StatusRequestEntityTooLarge,
		domain.EEXTRACTIONFAILED:     http.StatusUnprocessableEntity,
		domain.ECONTENTNOTADMISSIBLE: http.StatusUnprocessableEntity,
		domain.ERATELIMITED:          http.StatusTooManyRequests,
		domain.EANALYSISFAILED:       http.StatusInternalServerError,
		domain.EDELIVERYFAILED:       http.StatusInternalServerError,
		domain.EINTERNAL:             http.StatusInternalServerError,
		domain.EVERIFICATIONUNAVAIL:  http.StatusServiceUnavailable,
		"SOMETHING_ELSE":             http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, ErrorCodeToHTTPStatus(code), code)
	}
}

func TestErrorResponse_RateLimitedSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/submissions", nil)

	ErrorResponse(rec, req, discardLogger(), domain.RateLimited("pipeline.submit", 42*time.Second))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))
	assert.Equal(t, domain.ERATELIMITED, decodeError(t, rec).Error.Code)
}

func TestErrorResponse_IncludesConfidence(t *testing.T) {
	conf := 17
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/submissions", nil)

	ErrorResponse(rec, req, discardLogger(), &domain.Error{
		Code:       domain.ECONTENTNOTADMISSIBLE,
		Message:    "not a report",
		Confidence: &conf,
	})

	body := decodeError(t, rec)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.NotNil(t, body.Error.Confidence)
	assert.Equal(t, 17, *body.Error.Confidence)
	assert.Equal(t, "not a report", body.Error.Message)
}

func TestErrorResponse_HidesInternalDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	ErrorResponse(rec, req, discardLogger(),
		domain.Internal(errors.New("pq: password authentication failed"), "store.consume", "failed to consume"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "pq:")
	assert.NotContains(t, rec.Body.String(), "store.consume")
	assert.NotContains(t, rec.Body.String(), "confidence")
}

func TestValidationErrorResponse_DoesNotExposeOperationName(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/submissions", nil)

	ValidationErrorResponse(rec, req, discardLogger(),
		domain.NewValidationError("handler.submit", "email", "Email is required"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotContains(t, rec.Body.String(), "handler.submit")
	body := decodeError(t, rec)
	assert.Equal(t, "Email is required", body.Error.Fields["email"])
}

// =============================================================================
// Submissions
// =============================================================================

type fakeSubmitter struct {
	mu   sync.Mutex
	out  *pipeline.Outcome
	err  error
	subs []pipeline.Submission
}

func (f *fakeSubmitter) Submit(ctx context.Context, sub pipeline.Submission) (*pipeline.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, sub)
	if f.err != nil {
		return &pipeline.Outcome{}, f.err
	}
	return f.out, nil
}

var pdfBytes = []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\ntrailer\n<<>>\n%%EOF\n")

type upload struct {
	fields      map[string]string
	filename    string
	contentType string
	data        []byte
	noFile      bool
}

func newUploadRequest(t *testing.T, u upload) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range u.fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if !u.noFile {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="file"; filename="`+u.filename+`"`)
		h.Set("Content-Type", u.contentType)
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(u.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/submissions", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.RemoteAddr = "192.0.2.10:4321"
	return req
}

func validUpload() upload {
	return upload{
		fields: map[string]string{
			"email":      "manager@example.org",
			"name":       "Sam Carter",
			"session_id": "cs_test_abc",
		},
		filename:    "report.pdf",
		contentType: "application/pdf",
		data:        pdfBytes,
	}
}

func serveSubmission(t *testing.T, sub *fakeSubmitter, maxBytes int64, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	NewSubmissionHandler(sub, maxBytes, discardLogger()).RegisterRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandleSubmit_Success(t *testing.T) {
	sub := &fakeSubmitter{out: &pipeline.Outcome{
		AttemptID:       "att-1",
		ActionItemCount: 7,
		PageCount:       12,
		Delivered:       true,
	}}

	rec := serveSubmission(t, sub, 0, newUploadRequest(t, validUpload()))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp SubmissionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "att-1", resp.AttemptID)
	assert.Equal(t, SubmissionSummary{ActionItems: 7, PagesAnalyzed: 12, EmailSent: true}, resp.Summary)

	require.Len(t, sub.subs, 1)
	got := sub.subs[0]
	assert.Equal(t, pdfBytes, got.Document)
	assert.Equal(t, "report.pdf", got.ArtifactName)
	assert.Equal(t, "manager@example.org", got.Email)
	assert.Equal(t, "Sam Carter", got.SubmitterName)
	assert.Equal(t, "cs_test_abc", got.SessionID)
	assert.Equal(t, "192.0.2.10", got.ClientIP)
}

func TestHandleSubmit_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*upload)
		status int
		code   string
	}{
		{"missing email", func(u *upload) { delete(u.fields, "email") }, http.StatusBadRequest, domain.EINVALID},
		{"bad email", func(u *upload) { u.fields["email"] = "not-an-email" }, http.StatusBadRequest, domain.EINVALID},
		{"bad session", func(u *upload) { u.fields["session_id"] = "pi_123" }, http.StatusBadRequest, domain.EINVALID},
		{"no file", func(u *upload) { u.noFile = true }, http.StatusBadRequest, domain.EINVALID},
		{"declared not pdf", func(u *upload) { u.contentType = "image/png" }, http.StatusBadRequest, domain.EINVALID},
		{"content not pdf", func(u *upload) { u.data = []byte("hello, plain text") }, http.StatusBadRequest, domain.EINVALID},
		{"too large", func(u *upload) { u.data = append(append([]byte{}, pdfBytes...), make([]byte, 2048)...) }, http.StatusRequestEntityTooLarge, domain.ETOOLARGE},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := validUpload()
			tt.mutate(&u)
			sub := &fakeSubmitter{out: &pipeline.Outcome{}}

			rec := serveSubmission(t, sub, 1024, newUploadRequest(t, u))

			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decodeError(t, rec).Error.Code)
			assert.Empty(t, sub.subs, "pipeline must not run")
		})
	}
}

func TestHandleSubmit_NotMultipart(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/submissions", strings.NewReader(`{"email":"a@b.c"}`))
	req.Header.Set("Content-Type", "application/json")

	rec := serveSubmission(t, &fakeSubmitter{}, 0, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSubmit_PipelineErrors(t *testing.T) {
	conf := 17
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"rate limited", domain.RateLimited("pipeline.submit", 30*time.Second), http.StatusTooManyRequests},
		{"missing session", domain.Denied(domain.EMISSINGSESSION, "x", "buy one"), http.StatusForbidden},
		{"verifier down", domain.Denied(domain.EVERIFICATIONUNAVAIL, "x", "later"), http.StatusServiceUnavailable},
		{"not admissible", &domain.Error{Code: domain.ECONTENTNOTADMISSIBLE, Message: "no", Confidence: &conf}, http.StatusUnprocessableEntity},
		{"delivery failed", domain.Denied(domain.EDELIVERYFAILED, "x", "contact support"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serveSubmission(t, &fakeSubmitter{err: tt.err}, 0, newUploadRequest(t, validUpload()))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, domain.ErrorCode(tt.err), decodeError(t, rec).Error.Code)
		})
	}
}
