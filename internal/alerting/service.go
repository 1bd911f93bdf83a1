package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"

	"github.com/omnifeed/omnifeed/internal/config"
)

// Service sends pipeline health alerts via a webhook and/or email,
// whichever is configured. With neither configured every send is a no-op,
// so callers never need to guard.
type Service struct {
	config *config.Config
	client *resty.Client
}

// Ensure Service implements Notifier
var _ Notifier = (*Service)(nil)

// webhookMessage is the generic message-card payload posted to the webhook
type webhookMessage struct {
	Type  string        `json:"@type"`
	Title string        `json:"title"`
	Text  string        `json:"text"`
	Facts []webhookFact `json:"facts,omitempty"`
}

type webhookFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NewService creates a new alerting service
func NewService(cfg *config.Config) *Service {
	return &Service{
		config: cfg,
		client: resty.New().SetTimeout(30 * time.Second),
	}
}

// SendAlert sends an alert via all configured channels
func (s *Service) SendAlert(alert *Alert) error {
	var errs []string

	if s.config.AlertWebhookURL != "" {
		if err := s.sendToWebhook(alert); err != nil {
			logrus.Errorf("Failed to send webhook alert: %v", err)
			errs = append(errs, fmt.Sprintf("webhook: %v", err))
		} else {
			logrus.Infof("Sent %s alert to webhook", alert.Type)
		}
	}

	if s.config.AlertEmail != "" {
		if err := s.sendEmail(alert); err != nil {
			logrus.Errorf("Failed to send email alert: %v", err)
			errs = append(errs, fmt.Sprintf("email: %v", err))
		} else {
			logrus.Infof("Sent %s alert via email", alert.Type)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("alert errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (s *Service) sendToWebhook(alert *Alert) error {
	message := &webhookMessage{
		Type:  "MessageCard",
		Title: alert.Title,
		Text:  alert.Message,
	}
	for name, value := range alert.Facts {
		message.Facts = append(message.Facts, webhookFact{Name: name, Value: value})
	}

	resp, err := s.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(message).
		Post(s.config.AlertWebhookURL)
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode(), string(resp.Body()))
	}

	return nil
}

func (s *Service) sendEmail(alert *Alert) error {
	var body strings.Builder
	body.WriteString(alert.Message)
	body.WriteString("\n\n")
	for name, value := range alert.Facts {
		body.WriteString(fmt.Sprintf("%s: %s\n", name, value))
	}
	body.WriteString(fmt.Sprintf("\nGenerated at %s\n", alert.CreatedAt.Format("2006-01-02 15:04:05 UTC")))

	m := gomail.NewMessage()
	m.SetHeader("From", s.config.SMTPUsername)
	m.SetHeader("To", s.config.AlertEmail)
	m.SetHeader("Subject", fmt.Sprintf("[omnifeed] %s", alert.Title))
	m.SetBody("text/plain", body.String())

	d := gomail.NewDialer(s.config.SMTPHost, s.config.SMTPPort, s.config.SMTPUsername, s.config.SMTPPassword)
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	return nil
}

// ReconnectRequired builds the alert raised when a connection exhausts its
// refresh attempts and needs the user to re-authenticate.
func ReconnectRequired(userID, platformID, connectionID string) *Alert {
	return &Alert{
		Type:    "reconnect_required",
		Title:   fmt.Sprintf("Reconnection required for %s", platformID),
		Message: "Token refresh attempts exhausted; polling is suspended until the user re-authenticates.",
		Facts: map[string]string{
			"User":       userID,
			"Platform":   platformID,
			"Connection": connectionID,
		},
		CreatedAt: time.Now(),
	}
}

// SearchDegraded builds the alert raised when search propagation exhausts
// its retries.
func SearchDegraded(err error) *Alert {
	return &Alert{
		Type:      "search_degraded",
		Title:     "Search index propagation degraded",
		Message:   fmt.Sprintf("Propagation failed after retries: %v. A reindex will reconcile.", err),
		CreatedAt: time.Now(),
	}
}
