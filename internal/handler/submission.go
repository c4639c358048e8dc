// Package handler contains the HTTP handlers for the gatekeeper API.
//
// This file implements the submission endpoint.
//
// Route:
//   - POST /api/v1/submissions -> HandleSubmit
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/DukeRupert/gatekeeper/internal/domain"
	"github.com/DukeRupert/gatekeeper/internal/middleware"
	"github.com/DukeRupert/gatekeeper/internal/pipeline"
	"github.com/DukeRupert/gatekeeper/internal/storage"
)

// DefaultMaxUploadBytes is the largest document accepted (10MB).
const DefaultMaxUploadBytes int64 = 10 << 20

// multipartOverhead allows for form fields and boundaries around the file.
const multipartOverhead int64 = 1 << 20

// Submitter runs a submission through the gating pipeline.
type Submitter interface {
	Submit(ctx context.Context, sub pipeline.Submission) (*pipeline.Outcome, error)
}

// submissionForm holds the non-file fields of a submission.
type submissionForm struct {
	Email     string `validate:"required,email,max=254"`
	Name      string `validate:"max=200"`
	SessionID string `validate:"omitempty,startswith=cs_,max=255"`
}

// SubmissionResponse is returned for a completed submission.
type SubmissionResponse struct {
	Success   bool              `json:"success"`
	AttemptID string            `json:"attempt_id"`
	Summary   SubmissionSummary `json:"summary"`
}

// SubmissionSummary describes the delivered action plan.
type SubmissionSummary struct {
	ActionItems   int  `json:"action_items"`
	PagesAnalyzed int  `json:"pages_analyzed"`
	EmailSent     bool `json:"email_sent"`
}

// SubmissionHandler accepts document uploads.
type SubmissionHandler struct {
	submitter Submitter
	validate  *validatorv10.Validate
	maxBytes  int64
	logger    *slog.Logger
}

// NewSubmissionHandler creates a SubmissionHandler. maxBytes <= 0 selects
// DefaultMaxUploadBytes.
func NewSubmissionHandler(submitter Submitter, maxBytes int64, logger *slog.Logger) *SubmissionHandler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	return &SubmissionHandler{
		submitter: submitter,
		validate:  validatorv10.New(),
		maxBytes:  maxBytes,
		logger:    logger,
	}
}

// RegisterRoutes registers submission routes on the provided mux.
func (h *SubmissionHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/submissions", h.HandleSubmit)
}

// HandleSubmit reads a multipart upload and runs it through the pipeline.
func (h *SubmissionHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	const op = "handler.submit"

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(h.maxBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			ErrorResponse(w, r, h.logger, h.tooLarge(op))
			return
		}
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "Expected a multipart form upload."))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	form := submissionForm{
		Email:     strings.TrimSpace(r.FormValue("email")),
		Name:      strings.TrimSpace(r.FormValue("name")),
		SessionID: strings.TrimSpace(r.FormValue("session_id")),
	}
	if err := h.validateForm(op, form); err != nil {
		ValidationErrorResponse(w, r, h.logger, err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "No file uploaded."))
		return
	}
	defer file.Close()

	if header.Size > h.maxBytes {
		ErrorResponse(w, r, h.logger, h.tooLarge(op))
		return
	}
	if !storage.IsPDF(header.Header.Get("Content-Type")) {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "Only PDF files are allowed."))
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, h.maxBytes+1))
	if err != nil {
		InternalErrorResponse(w, r, h.logger, fmt.Errorf("read upload: %w", err))
		return
	}
	if int64(len(data)) > h.maxBytes {
		ErrorResponse(w, r, h.logger, h.tooLarge(op))
		return
	}
	if !storage.IsPDF(storage.SniffContentType(data)) {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "Only PDF files are allowed."))
		return
	}

	out, err := h.submitter.Submit(r.Context(), pipeline.Submission{
		Document:      data,
		ArtifactName:  header.Filename,
		Email:         form.Email,
		SubmitterName: form.Name,
		SessionID:     form.SessionID,
		ClientIP:      middleware.ClientIP(r),
	})
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, SubmissionResponse{
		Success:   true,
		AttemptID: out.AttemptID,
		Summary: SubmissionSummary{
			ActionItems:   out.ActionItemCount,
			PagesAnalyzed: out.PageCount,
			EmailSent:     out.Delivered,
		},
	})
}

func (h *SubmissionHandler) tooLarge(op string) *domain.Error {
	return domain.Errorf(domain.ETOOLARGE, op, "File too large (max %dMB).", h.maxBytes>>20)
}

// validateForm converts validator errors into a domain.ValidationError keyed
// by form field name.
func (h *SubmissionHandler) validateForm(op string, form submissionForm) error {
	err := h.validate.Struct(form)
	if err == nil {
		return nil
	}

	var ve validatorv10.ValidationErrors
	if !errors.As(err, &ve) {
		return domain.Internal(err, op, "failed to validate form")
	}

	out := &domain.ValidationError{Op: op, Fields: make(map[string]string, len(ve))}
	for _, fe := range ve {
		field, msg := fieldMessage(fe)
		out.Fields[field] = msg
	}
	return out
}

func fieldMessage(fe validatorv10.FieldError) (string, string) {
	switch fe.Field() {
	case "Email":
		if fe.Tag() == "required" {
			return "email", "Email is required"
		}
		return "email", "Enter a valid email address"
	case "Name":
		return "name", "Name is too long"
	case "SessionID":
		return "session_id", "Invalid payment session"
	default:
		return strings.ToLower(fe.Field()), fe.Error()
	}
}
