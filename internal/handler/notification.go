package handler

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/agent-scheduler/internal/model"
)

// SMTPConfig configures outgoing email
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	// AlertRecipients receive resource and task failure alerts
	AlertRecipients []string `mapstructure:"alert_recipients"`
}

// NotificationPayload represents the parameters of a notification task
type NotificationPayload struct {
	Subject    string   `mapstructure:"subject"`
	Body       string   `mapstructure:"body"`
	Recipients []string `mapstructure:"recipients"`
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// NotificationHandler sends email notifications
type NotificationHandler struct {
	logger   *zap.Logger
	config   SMTPConfig
	sendMail sendMailFunc
}

// NewNotificationHandler creates a new notification handler
func NewNotificationHandler(logger *zap.Logger, config SMTPConfig) *NotificationHandler {
	return &NotificationHandler{
		logger:   logger.Named("notification"),
		config:   config,
		sendMail: smtp.SendMail,
	}
}

// Execute sends the notification
func (h *NotificationHandler) Execute(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	var payload NotificationPayload
	if err := decodeParams(params, &payload); err != nil {
		return nil, err
	}
	if len(payload.Recipients) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}
	if payload.Subject == "" {
		payload.Subject = "Notification"
	}

	h.logger.Info("Sending notification",
		zap.String("subject", payload.Subject),
		zap.Int("recipients", len(payload.Recipients)))

	if err := h.send(payload.Recipients, payload.Subject, payload.Body); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"recipients": len(payload.Recipients),
	}, nil
}

func (h *NotificationHandler) send(to []string, subject, body string) error {
	if h.config.Host == "" {
		return fmt.Errorf("smtp host is not configured")
	}

	var auth smtp.Auth
	if h.config.Username != "" {
		auth = smtp.PlainAuth("", h.config.Username, h.config.Password, h.config.Host)
	}

	msg := fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s\r\n",
		h.config.From,
		strings.Join(to, ", "),
		subject,
		body)

	addr := fmt.Sprintf("%s:%d", h.config.Host, h.config.Port)
	if err := h.sendMail(addr, auth, h.config.From, to, []byte(msg)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// EmailChannel delivers alerts by email. It implements
// monitor.NotificationChannel.
type EmailChannel struct {
	handler    *NotificationHandler
	recipients []string
}

// NewEmailChannel creates an alert channel that mails cfg.AlertRecipients
func NewEmailChannel(logger *zap.Logger, cfg SMTPConfig) *EmailChannel {
	return &EmailChannel{
		handler:    NewNotificationHandler(logger, cfg),
		recipients: cfg.AlertRecipients,
	}
}

// Send mails the alert
func (c *EmailChannel) Send(alert *model.Alert) error {
	if len(c.recipients) == 0 {
		return nil
	}
	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Type)
	body := fmt.Sprintf("%s\n\nAlert ID: %s\nRaised at: %s",
		alert.Message, alert.ID, alert.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	return c.handler.send(c.recipients, subject, body)
}
