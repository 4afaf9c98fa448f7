package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"momay/internal/clients"
)

const notificationIcon = "/icons/icon-192.png"

// PushPayload is the JSON body of a push message.
type PushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
}

// DefaultPushPayload is shown when a push carries no usable data.
func DefaultPushPayload() PushPayload {
	return PushPayload{
		Title: "Energy Notification",
		Body:  "แจ้งเตือนการใช้ไฟฟ้าสูงสุดใหม่",
		URL:   "/",
	}
}

// ParsePushPayload decodes data, falling back to the default payload when
// data is empty, not a JSON object, or carries neither title nor body. A
// url given without text is kept. ok is false when the default was used.
func ParsePushPayload(data []byte) (p PushPayload, ok bool) {
	var raw *PushPayload
	if len(bytes.TrimSpace(data)) == 0 || json.Unmarshal(data, &raw) != nil || raw == nil {
		return DefaultPushPayload(), false
	}
	if raw.Title == "" && raw.Body == "" {
		p = DefaultPushPayload()
		if raw.URL != "" {
			p.URL = raw.URL
		}
		return p, false
	}
	return *raw, true
}

type NotificationData struct {
	URL string `json:"url"`
}

// NotificationOptions mirrors the options a host notification is shown with.
type NotificationOptions struct {
	Body               string           `json:"body"`
	Icon               string           `json:"icon"`
	Badge              string           `json:"badge"`
	Data               NotificationData `json:"data"`
	RequireInteraction bool             `json:"requireInteraction"`
}

// Notification is a shown notification as reported back on click.
type Notification struct {
	Title string
	Data  NotificationData
}

// Push handles a push message: show a notification and hand the payload to
// every open page as a daily popup.
func (w *Worker) Push(ctx context.Context, data []byte) (PushPayload, error) {
	p, ok := ParsePushPayload(data)
	if !ok && len(data) > 0 {
		w.log.Warn("push data parse error, using default payload", zap.Int("bytes", len(data)))
	}
	target := p.URL
	if target == "" {
		target = "/"
	}
	opts := NotificationOptions{
		Body:               p.Body,
		Icon:               notificationIcon,
		Badge:              notificationIcon,
		Data:               NotificationData{URL: target},
		RequireInteraction: true,
	}
	err := w.notifier.ShowNotification(ctx, p.Title, opts)
	if err != nil {
		w.log.Warn("show notification", zap.Error(err))
	}
	n := w.clients.Broadcast(clients.Message{Type: "dailyPopup", Payload: p})
	w.log.Info("push delivered", zap.String("title", p.Title), zap.Int("clients", n))
	return p, err
}

// NotificationClick focuses the first page whose URL contains the
// notification's target, or opens a new one.
func (w *Worker) NotificationClick(ctx context.Context, n Notification) error {
	for _, c := range w.clients.MatchAll() {
		if strings.Contains(c.URL, n.Data.URL) {
			err := w.clients.Focus(ctx, c.ID)
			if err == nil {
				return nil
			}
			if !errors.Is(err, clients.ErrUnknownClient) {
				return err
			}
		}
	}
	return w.clients.OpenWindow(ctx, n.Data.URL)
}

// PushSubscriptionChange re-subscribes with the configured server key and
// registers the new subscription with the backend.
func (w *Worker) PushSubscriptionChange(ctx context.Context) error {
	if w.pushMgr == nil {
		return errors.New("worker: no push manager")
	}
	if w.cfg.PushRegistrationURL == "" {
		return errors.New("worker: push registration URL not configured")
	}
	sub, err := w.pushMgr.Subscribe(ctx, w.cfg.PushPublicKey)
	if err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}
	body, err := json.Marshal(sub)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.NetworkTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.PushRegistrationURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.network.RoundTrip(req)
	if err != nil {
		return fmt.Errorf("register subscription: %w", err)
	}
	defer resp.Body.Close()
	if !isOK(resp.StatusCode) {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("register subscription: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	w.log.Info("push subscription renewed", zap.String("endpoint", sub.Endpoint))
	return nil
}
