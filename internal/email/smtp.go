package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/DukeRupert/gatekeeper/internal/domain"
	"github.com/DukeRupert/gatekeeper/internal/report"
)

// =============================================================================
// SMTP Email Service Implementation
// =============================================================================

// SMTPEmailService sends action plans via SMTP.
//
// The PDF attachment is produced by the configured report.Generator; with a
// nil generator the email is sent without one.
type SMTPEmailService struct {
	config    SMTPConfig
	templates *template.Template
	generator report.Generator
	logger    *slog.Logger
	nowFunc   func() time.Time
}

// NewSMTPEmailService creates a new SMTP-based email service.
//
// Example usage:
//
//	emailService, err := email.NewSMTPEmailService(
//	    email.SMTPConfig{
//	        Host: "localhost",
//	        Port: 1025,
//	    },
//	    report.NewPDFGenerator(),
//	    logger,
//	)
func NewSMTPEmailService(config SMTPConfig, generator report.Generator, logger *slog.Logger) (*SMTPEmailService, error) {
	if config.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if config.From == "" {
		config.From = DefaultFromEmail
	}
	if config.FromName == "" {
		config.FromName = DefaultFromName
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	templates, err := parseTemplates()
	if err != nil {
		return nil, fmt.Errorf("failed to parse email templates: %w", err)
	}

	return &SMTPEmailService{
		config:    config,
		templates: templates,
		generator: generator,
		logger:    logger,
		nowFunc:   time.Now,
	}, nil
}

// Name implements delivery.Channel.
func (s *SMTPEmailService) Name() string { return ChannelName }

// Send emails the action plan to the recipient. The returned receipt carries
// the generated Message-ID.
func (s *SMTPEmailService) Send(ctx context.Context, rcpt domain.Recipient, plan *domain.ActionPlan) (domain.Receipt, error) {
	if plan == nil {
		return domain.Receipt{}, fmt.Errorf("send action plan: %w", report.ErrNoPlan)
	}

	now := s.nowFunc()
	view := newPlanView(rcpt, plan, now)

	htmlBody, err := renderHTML(s.templates, view)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("failed to render action plan email template: %w", err)
	}

	email := Email{
		To:       rcpt.Email,
		Subject:  Subject,
		HTMLBody: htmlBody,
		TextBody: renderText(view),
	}

	if s.generator != nil {
		data := &report.ActionPlanReport{
			Plan:          plan,
			RecipientName: rcpt.Name,
			Email:         rcpt.Email,
			AttemptID:     rcpt.AttemptID,
			GeneratedAt:   now,
		}
		var pdf bytes.Buffer
		if _, err := s.generator.Generate(ctx, data, &pdf); err != nil {
			return domain.Receipt{}, fmt.Errorf("failed to render action plan pdf: %w", err)
		}
		email.Attachments = append(email.Attachments, Attachment{
			Filename:    data.Filename(),
			ContentType: "application/pdf",
			Data:        pdf.Bytes(),
		})
	}

	messageID := s.newMessageID()
	msg, err := s.buildMessage(email, messageID, now)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("failed to build email: %w", err)
	}

	if err := s.send(ctx, email.To, msg); err != nil {
		s.logger.Error("failed to send email",
			"to", email.To,
			"attempt_id", rcpt.AttemptID,
			"error", err,
		)
		return domain.Receipt{}, fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("email sent",
		"to", email.To,
		"attempt_id", rcpt.AttemptID,
		"message_id", messageID,
	)

	return domain.Receipt{MessageID: messageID, Channel: ChannelName}, nil
}

// =============================================================================
// Internal Methods
// =============================================================================

// send delivers a raw message over one SMTP session bound to ctx.
func (s *SMTPEmailService) send(ctx context.Context, to string, msg []byte) error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))

	dialer := &net.Dialer{Timeout: s.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(s.config.Timeout)
	}
	_ = conn.SetDeadline(deadline)

	// Unblock any in-flight read or write when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	c, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.config.Host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	// Create auth if credentials are provided (not needed for Mailhog)
	if s.config.Username != "" && s.config.Password != "" {
		auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.Mail(s.config.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close message: %w", err)
	}

	if err := c.Quit(); err != nil {
		return fmt.Errorf("quit: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (s *SMTPEmailService) newMessageID() string {
	host := "localhost"
	if at := strings.LastIndex(s.config.From, "@"); at >= 0 && at < len(s.config.From)-1 {
		host = s.config.From[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), host)
}

// buildMessage constructs the raw MIME message:
// multipart/mixed { multipart/alternative { text, html }, attachments... }.
func (s *SMTPEmailService) buildMessage(email Email, messageID string, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	mixed := multipart.NewWriter(&buf)

	// From header with display name
	fromHeader := fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", s.config.FromName), s.config.From)

	fmt.Fprintf(&buf, "From: %s\r\n", fromHeader)
	fmt.Fprintf(&buf, "To: %s\r\n", email.To)
	if s.config.ReplyTo != "" {
		fmt.Fprintf(&buf, "Reply-To: %s\r\n", s.config.ReplyTo)
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", email.Subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", now.Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Message-ID: %s\r\n", messageID)
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n", mixed.Boundary())
	buf.WriteString("\r\n")

	// Alternative bodies are assembled separately so their boundary is known
	// before the enclosing part header is written.
	var altBuf bytes.Buffer
	alt := multipart.NewWriter(&altBuf)
	if err := writeQuotedPrintable(alt, "text/plain; charset=utf-8", email.TextBody); err != nil {
		return nil, err
	}
	if err := writeQuotedPrintable(alt, "text/html; charset=utf-8", email.HTMLBody); err != nil {
		return nil, err
	}
	if err := alt.Close(); err != nil {
		return nil, err
	}

	altPart, err := mixed.CreatePart(textproto.MIMEHeader{
		"Content-Type": {fmt.Sprintf("multipart/alternative; boundary=%q", alt.Boundary())},
	})
	if err != nil {
		return nil, err
	}
	if _, err := altPart.Write(altBuf.Bytes()); err != nil {
		return nil, err
	}

	for _, a := range email.Attachments {
		part, err := mixed.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {mime.FormatMediaType(a.ContentType, map[string]string{"name": a.Filename})},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": a.Filename})},
			"Content-Transfer-Encoding": {"base64"},
		})
		if err != nil {
			return nil, err
		}
		if err := writeBase64Lines(part, a.Data); err != nil {
			return nil, err
		}
	}

	if err := mixed.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeQuotedPrintable(w *multipart.Writer, contentType, body string) error {
	part, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {contentType},
		"Content-Transfer-Encoding": {"quoted-printable"},
	})
	if err != nil {
		return err
	}
	qp := quotedprintable.NewWriter(part)
	if _, err := qp.Write([]byte(body)); err != nil {
		return err
	}
	return qp.Close()
}

// writeBase64Lines writes data as base64 wrapped at 76 characters.
func writeBase64Lines(w io.Writer, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 0 {
		n := min(76, len(encoded))
		if _, err := fmt.Fprintf(w, "%s\r\n", encoded[:n]); err != nil {
			return err
		}
		encoded = encoded[n:]
	}
	return nil
}
