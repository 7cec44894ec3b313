package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/noah-isme/planbox/internal/resilience"
)

// Severity orders alerts.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is an operational event that needs a human.
type Alert struct {
	Severity Severity
	Title    string
	Fields   map[string]string
}

// Alerter raises operational alerts. Callers treat failures as best-effort.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// SlackAlerter posts alerts to a Slack incoming webhook.
type SlackAlerter struct {
	WebhookURL string
	Channel    string
	Username   string
	HTTP       *resilience.HTTPClient
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color    string       `json:"color"`
	Fallback string       `json:"fallback"`
	Fields   []slackField `json:"fields"`
}

type slackPayload struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

// Alert implements Alerter.
func (s SlackAlerter) Alert(ctx context.Context, a Alert) error {
	if s.HTTP == nil || s.WebhookURL == "" {
		return errors.New("notify: slack webhook not configured")
	}
	ctx, span := otel.Tracer("notify.SlackAlerter").Start(ctx, "SlackAlerter.Alert")
	defer span.End()

	color := "warning"
	if a.Severity == SeverityCritical {
		color = "danger"
	}
	fields := make([]slackField, 0, len(a.Fields))
	for _, k := range sortedKeys(a.Fields) {
		fields = append(fields, slackField{Title: k, Value: a.Fields[k], Short: len(a.Fields[k]) < 40})
	}
	body, err := json.Marshal(slackPayload{
		Channel:  s.Channel,
		Username: s.Username,
		Text:     fmt.Sprintf("[%s] %s", strings.ToUpper(string(a.Severity)), a.Title),
		Attachments: []slackAttachment{{
			Color:    color,
			Fallback: a.Title,
			Fields:   fields,
		}},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := *s.HTTP
	client.FailOnClientError = true
	resp, err := client.Do(ctx, req)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("notify: slack alert: %w", err)
	}
	return resp.Body.Close()
}

// LogAlerter writes alerts to the log.
type LogAlerter struct {
	Logger zerolog.Logger
}

// Alert implements Alerter.
func (l LogAlerter) Alert(_ context.Context, a Alert) error {
	evt := l.Logger.Warn()
	if a.Severity == SeverityCritical {
		evt = l.Logger.Error()
	}
	evt = evt.Str("log_type", "alert").Str("severity", string(a.Severity))
	for _, k := range sortedKeys(a.Fields) {
		evt = evt.Str(k, a.Fields[k])
	}
	evt.Msg(a.Title)
	return nil
}

// Fanout sends an alert to every alerter and joins the failures.
type Fanout []Alerter

// Alert implements Alerter.
func (f Fanout) Alert(ctx context.Context, a Alert) error {
	var errs error
	for _, al := range f {
		if al == nil {
			continue
		}
		errs = errors.Join(errs, al.Alert(ctx, a))
	}
	return errs
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
