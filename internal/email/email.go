// Package email delivers action plans by SMTP.
//
// SMTPEmailService works with Mailhog in development and any standard SMTP
// relay (Postmark, SES SMTP) in production. Each message carries an HTML
// body, a plain text fallback and, when a report generator is configured,
// the plan as a PDF attachment.
package email

import (
	"time"
)

// =============================================================================
// Email Data Types
// =============================================================================

// Email represents a single email message.
type Email struct {
	To          string       // Recipient email address
	Subject     string       // Email subject line
	HTMLBody    string       // HTML content of the email
	TextBody    string       // Plain text fallback content
	Attachments []Attachment // Optional files
}

// Attachment is a file attached to an Email.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// =============================================================================
// Configuration Types
// =============================================================================

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Host     string        // SMTP server hostname (e.g., "localhost" for Mailhog)
	Port     int           // SMTP server port (e.g., 1025 for Mailhog)
	Username string        // SMTP authentication username (empty for Mailhog)
	Password string        // SMTP authentication password (empty for Mailhog)
	From     string        // Default sender email address
	FromName string        // Default sender display name
	ReplyTo  string        // Optional support address
	Timeout  time.Duration // Dial and session timeout when ctx has no deadline
}

// =============================================================================
// Common Constants
// =============================================================================

const (
	// DefaultFromEmail is the default sender email for action plans.
	DefaultFromEmail = "reports@actionplans.local"

	// DefaultFromName is the default sender display name.
	DefaultFromName = "Action Plan Reports"

	// DefaultTimeout bounds one SMTP session.
	DefaultTimeout = 30 * time.Second

	// Subject is used for every action plan email.
	Subject = "Your Ofsted Inspection Action Plan Report"

	// ChannelName identifies this channel in receipts and metrics.
	ChannelName = "email"
)
