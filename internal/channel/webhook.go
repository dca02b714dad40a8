package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"adrelay/internal/domain"
)

const webhookMaxBodySize = 1 << 20 // 1MB

// WebhookConfig configures the webhook channel.
type WebhookConfig struct {
	Secret     string // HMAC secret for X-Signature-256, on both directions
	ReplyURL   string // replies are POSTed here; empty means replies are only logged
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Webhook accepts signed JSON messages over HTTP. Its Handler is mounted by
// the HTTP server; replies go back out to ReplyURL.
type Webhook struct {
	secret   string
	replyURL string
	client   *http.Client
	bus      domain.MessageBus
	logger   *slog.Logger
}

// WebhookPayload is the JSON body for inbound webhook requests.
type WebhookPayload struct {
	ChatID   string `json:"chat_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
	Content  string `json:"content"`
}

// WebhookReply is the JSON body POSTed to ReplyURL.
type WebhookReply struct {
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{
		secret:   cfg.Secret,
		replyURL: cfg.ReplyURL,
		client:   cfg.HTTPClient,
		logger:   cfg.Logger,
	}
}

func (w *Webhook) Name() string { return "webhook" }

// Start registers the reply handler and blocks until ctx is done.
func (w *Webhook) Start(ctx context.Context, bus domain.MessageBus) error {
	w.bus = bus
	bus.OnOutbound("webhook", func(msg domain.OutboundMessage) {
		if msg.Content == "" {
			return
		}
		if err := w.Send(ctx, msg.ChatID, msg.Content); err != nil {
			w.logger.Error("webhook reply failed", "chat_id", msg.ChatID, "err", err)
		}
	})
	w.logger.Info("webhook channel ready", "reply_url", w.replyURL != "")
	<-ctx.Done()
	return nil
}

func (w *Webhook) Stop() error { return nil }

// Send POSTs a signed reply to ReplyURL.
func (w *Webhook) Send(ctx context.Context, chatID string, content string) error {
	if w.replyURL == "" {
		w.logger.Debug("webhook outbound (no reply url)", "chat_id", chatID, "content_len", len(content))
		return nil
	}
	body, err := json.Marshal(WebhookReply{ChatID: chatID, Content: content})
	if err != nil {
		return fmt.Errorf("marshal webhook reply: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.replyURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook reply: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set("X-Signature-256", signHMAC(body, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook reply: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook reply: status %d", resp.StatusCode)
	}
	return nil
}

// Handler returns the inbound endpoint.
func (w *Webhook) Handler() http.Handler {
	return http.HandlerFunc(w.handleWebhook)
}

func (w *Webhook) handleWebhook(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, webhookMaxBodySize))
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if w.secret != "" {
		sig := r.Header.Get("X-Signature-256")
		if sig == "" {
			http.Error(rw, "Missing signature", http.StatusUnauthorized)
			return
		}
		if !verifyHMAC(body, w.secret, sig) {
			http.Error(rw, "Invalid signature", http.StatusForbidden)
			return
		}
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if payload.Content == "" {
		http.Error(rw, "Content is required", http.StatusBadRequest)
		return
	}
	if payload.ChatID == "" || payload.UserID == "" {
		http.Error(rw, "chat_id and user_id are required", http.StatusBadRequest)
		return
	}
	if w.bus == nil {
		http.Error(rw, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	w.logger.Info("webhook received",
		"chat_id", payload.ChatID,
		"user_id", payload.UserID,
		"content_len", len(payload.Content),
	)

	err = w.bus.Publish(domain.InboundMessage{
		Channel:    "webhook",
		ChatID:     payload.ChatID,
		SenderID:   payload.UserID,
		SenderName: payload.UserName,
		Content:    payload.Content,
		Timestamp:  time.Now(),
	})
	if err != nil {
		w.logger.Warn("command refused by bus", "chat_id", payload.ChatID, "user_id", payload.UserID, "err", err)
		rw.Header().Set("Content-Type", "application/json")
		rw.Header().Set("Retry-After", "5")
		rw.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(rw).Encode(map[string]string{"status": "refused", "message": refusalReply(err)})
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusAccepted)
	json.NewEncoder(rw).Encode(map[string]string{"status": "accepted"})
}

func signHMAC(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// verifyHMAC verifies the HMAC-SHA256 signature of the body.
func verifyHMAC(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(signHMAC(body, secret)), []byte(signature))
}
