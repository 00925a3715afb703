// Package email sends notification emails via SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

func NewService(config Config) *Service {
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendEmail sends a plain text email
func (s *Service) SendEmail(to []string, subject, body string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		from,
		subject,
		body,
	))

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg)
}

var commentNotificationTmpl = template.Must(template.New("comment").Parse(
	`<p>A new comment was posted in <strong>{{.ThreadTitle}}</strong>.</p>
<p>Course: {{.CourseID}}</p>
<p>You are receiving this because you follow this thread or its author.</p>
`))

// CommentNotification is the data rendered into the notification body.
type CommentNotification struct {
	ThreadTitle string
	CourseID    string
}

// SendCommentNotification renders and sends the new-comment email.
func (s *Service) SendCommentNotification(to string, data CommentNotification) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	var body bytes.Buffer
	if err := commentNotificationTmpl.Execute(&body, data); err != nil {
		return fmt.Errorf("render notification: %w", err)
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	subject := fmt.Sprintf("New comment in %q", data.ThreadTitle)

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"MIME-Version: 1.0\r\n"+
			"Content-Type: text/html; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		to,
		from,
		subject,
		body.String(),
	))

	return smtp.SendMail(s.server, s.auth, s.config.From, []string{to}, msg)
}
