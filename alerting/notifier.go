package alerting

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/stock_sync/clock"
	"bitbucket.org/mmdatafocus/stock_sync/config"
	"bitbucket.org/mmdatafocus/stock_sync/models"
	"bitbucket.org/mmdatafocus/stock_sync/utils"
	"github.com/dgrijalva/jwt-go"
	"github.com/sirupsen/logrus"
)

type Message struct {
	Title         string             `json:"title"`
	Body          string             `json:"body"`
	AlertType     models.AnomalyType `json:"alert_type"`
	Channel       models.Channel     `json:"channel"`
	Severity      models.Severity    `json:"severity"`
	SyncRunId     uint               `json:"sync_run_id"`
	AnomalyId     uint               `json:"anomaly_id"`
	AffectedCount int                `json:"affected_count"`
	DetectedAt    time.Time          `json:"detected_at"`
}

// Notifier is one outbound alert channel. Send returns nil only when delivery was accepted.
type Notifier interface {
	Name() string
	Send(ctx context.Context, msg Message, severity models.Severity) error
}

type LogNotifier struct {
	Logger *logrus.Logger
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Send(_ context.Context, msg Message, severity models.Severity) error {
	if n.Logger == nil {
		return errors.New("log notifier has no logger")
	}
	entry := n.Logger.WithFields(logrus.Fields{
		"field":          "AlertDispatcher",
		"alert_type":     msg.AlertType,
		"channel":        msg.Channel,
		"severity":       severity,
		"sync_run_id":    msg.SyncRunId,
		"affected_count": msg.AffectedCount,
	})
	if severity.Rank() >= models.SeverityHigh.Rank() {
		entry.Error(msg.Title + ": " + msg.Body)
	} else {
		entry.Warn(msg.Title + ": " + msg.Body)
	}
	return nil
}

// WebhookNotifier posts the message as JSON with an HS256 bearer token whose
// body_sha256 claim lets the receiver verify the payload.
type WebhookNotifier struct {
	URL    string
	Secret string
	HTTP   *http.Client
	Clock  clock.Clock
}

func NewWebhookNotifier(url, secret string) *WebhookNotifier {
	return &WebhookNotifier{URL: url, Secret: secret, HTTP: &http.Client{Timeout: 10 * time.Second}, Clock: clock.SystemClock{}}
}

func (n *WebhookNotifier) Name() string { return "webhook" }

func (n *WebhookNotifier) Send(ctx context.Context, msg Message, severity models.Severity) error {
	msg.Severity = severity
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	token, err := n.sign(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := n.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

func (n *WebhookNotifier) sign(body []byte) (string, error) {
	now := n.Clock.Now()
	sum := sha256.Sum256(body)
	claims := jwt.MapClaims{
		"iss":         "stock-sync",
		"iat":         now.Unix(),
		"exp":         now.Add(5 * time.Minute).Unix(),
		"body_sha256": hex.EncodeToString(sum[:]),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(n.Secret))
}

type sendMailFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

// emailIOTimeout bounds an SMTP conversation when the caller's context carries no deadline.
const emailIOTimeout = 30 * time.Second

type EmailNotifier struct {
	Addr     string
	From     string
	To       []string
	Auth     smtp.Auth
	sendMail sendMailFunc
}

func NewEmailNotifier(addr, from, username, password string, to []string) *EmailNotifier {
	var auth smtp.Auth
	if username != "" {
		host, _, _ := strings.Cut(addr, ":")
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &EmailNotifier{Addr: addr, From: from, To: to, Auth: auth, sendMail: sendMailContext}
}

func (n *EmailNotifier) Name() string { return "email" }

func (n *EmailNotifier) Send(ctx context.Context, msg Message, severity models.Severity) error {
	if len(n.To) == 0 {
		return errors.New("email notifier has no recipients")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", n.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(n.To, ", "))
	fmt.Fprintf(&b, "Subject: [%s] %s\r\n", strings.ToUpper(string(severity)), msg.Title)
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(msg.Body)
	fmt.Fprintf(&b, "\r\n\r\nchannel: %s\r\nsync run: %d\r\naffected: %d\r\ndetected at: %s\r\n",
		msg.Channel, msg.SyncRunId, msg.AffectedCount, msg.DetectedAt.Format(time.RFC3339))

	done := make(chan error, 1)
	go func() { done <- n.sendMail(ctx, n.Addr, n.Auth, n.From, n.To, []byte(b.String())) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("email to %s: %w", n.Addr, ctx.Err())
	}
}

// sendMailContext is smtp.SendMail with the dial and every read and write bound to ctx.
func sendMailContext(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(emailIOTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}
	if a != nil {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("smtp: server doesn't support AUTH")
		}
		if err := c.Auth(a); err != nil {
			return err
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

type publishFunc func(ctx context.Context, topic string, obj interface{}, attrs map[string]string) (string, error)

// PubSubNotifier publishes alerts for downstream consumers.
type PubSubNotifier struct {
	Topic   string
	publish publishFunc
}

func NewPubSubNotifier(topic string) *PubSubNotifier {
	return &PubSubNotifier{Topic: topic, publish: config.PublishJSON}
}

func (n *PubSubNotifier) Name() string { return "pubsub" }

func (n *PubSubNotifier) Send(ctx context.Context, msg Message, severity models.Severity) error {
	msg.Severity = severity
	_, err := n.publish(ctx, n.Topic, msg, map[string]string{
		"alert_type": string(msg.AlertType),
		"channel":    string(msg.Channel),
		"severity":   string(severity),
	})
	return err
}

// PagingNotifier sends a short text to every on-call number through an SMS/paging gateway.
// Numbers are validated and stored in E.164.
type PagingNotifier struct {
	GatewayURL string
	APIKey     string
	Numbers    []string
	HTTP       *http.Client
}

func NewPagingNotifier(gatewayURL, apiKey string, numbers []string, countryCode string) (*PagingNotifier, error) {
	if strings.TrimSpace(gatewayURL) == "" {
		return nil, errors.New("paging gateway url is empty")
	}
	if countryCode == "" {
		countryCode = utils.CountryCode
	}
	e164 := make([]string, 0, len(numbers))
	for _, raw := range numbers {
		n, err := utils.FormatE164(raw, countryCode)
		if err != nil {
			return nil, fmt.Errorf("on-call number %q: %w", raw, err)
		}
		e164 = append(e164, n)
	}
	if len(e164) == 0 {
		return nil, errors.New("paging notifier has no numbers")
	}
	return &PagingNotifier{
		GatewayURL: gatewayURL,
		APIKey:     apiKey,
		Numbers:    utils.UniqueSlice(e164),
		HTTP:       &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (n *PagingNotifier) Name() string { return "paging" }

// Send succeeds if at least one number was paged.
func (n *PagingNotifier) Send(ctx context.Context, msg Message, severity models.Severity) error {
	text := fmt.Sprintf("[%s] %s", strings.ToUpper(string(severity)), msg.Title)
	var errs []error
	for _, to := range n.Numbers {
		if err := n.page(ctx, to, text); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", to, err))
		}
	}
	if len(errs) == len(n.Numbers) {
		return errors.Join(errs...)
	}
	return nil
}

func (n *PagingNotifier) page(ctx context.Context, to, text string) error {
	body, _ := json.Marshal(map[string]string{"to": to, "text": text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.GatewayURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.APIKey != "" {
		req.Header.Set("X-API-Key", n.APIKey)
	}
	resp, err := n.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("paging gateway returned %d", resp.StatusCode)
	}
	return nil
}
