package server

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// webhookQueueSize bounds the outbound audit event queue.
const webhookQueueSize = 1024

// webhookEvent is the JSON payload POSTed to the audit endpoint.
type webhookEvent struct {
	Event      string            `json:"event"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
	Timestamp  string            `json:"timestamp"`
	Attrs      map[string]string `json:"attrs,omitempty"`
}

// auditWebhook forwards audit events to an external HTTP endpoint from a
// background goroutine. Events are dropped when the queue is full.
type auditWebhook struct {
	rc     *resty.Client
	url    string
	logger *slog.Logger
	events chan webhookEvent
	wg     sync.WaitGroup
}

// newAuditWebhook starts a dispatcher. header is "Name: Value", e.g.
// "Authorization: Bearer xxx", and may be empty.
func newAuditWebhook(url, header string, logger *slog.Logger) *auditWebhook {
	rc := resty.New().
		SetTimeout(10*time.Second).
		SetRetryCount(1).
		SetRetryWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", Name+"-audit-webhook/1.0")
	if name, value, ok := strings.Cut(header, ":"); ok {
		rc.SetHeader(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	w := &auditWebhook{
		rc:     rc,
		url:    url,
		logger: logger,
		events: make(chan webhookEvent, webhookQueueSize),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// enqueue never blocks.
func (w *auditWebhook) enqueue(evt webhookEvent) {
	select {
	case w.events <- evt:
	default:
		w.logger.Warn("audit webhook queue full, dropping event", slog.String("event", evt.Event))
	}
}

// close drains queued events and stops the dispatcher.
func (w *auditWebhook) close() {
	close(w.events)
	w.wg.Wait()
}

func (w *auditWebhook) loop() {
	defer w.wg.Done()
	for evt := range w.events {
		w.send(evt)
	}
}

func (w *auditWebhook) send(evt webhookEvent) {
	resp, err := w.rc.R().SetBody(evt).Post(w.url)
	if err != nil {
		w.logger.Warn("audit webhook request failed", slog.String("event", evt.Event), slog.Any("error", err))
		return
	}
	if resp.IsError() {
		w.logger.Warn("audit webhook rejected event",
			slog.String("event", evt.Event),
			slog.Int("status", resp.StatusCode()))
	}
}
