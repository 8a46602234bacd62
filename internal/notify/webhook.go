package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"porthub/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhook posts messages to an HTTP endpoint that relays them to users.
type Webhook struct {
	url     string
	secret  string
	client  *http.Client
	timeout time.Duration
	limiter *rate.Limiter
}

func NewWebhook(cfg config.NotifyWebhookConfig, client *http.Client) *Webhook {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	w := &Webhook{
		url:     strings.TrimRight(cfg.URL, "/"),
		secret:  cfg.Secret,
		client:  client,
		timeout: timeout,
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return w
}

type webhookMessage struct {
	Delivery  string    `json:"delivery"`
	Recipient string    `json:"recipient"`
	Kind      string    `json:"kind"`
	JobNumber string    `json:"job_number,omitempty"`
	Body      string    `json:"body"`
	Controls  []Control `json:"controls,omitempty"`
}

type webhookAck struct {
	Ref string `json:"ref"`
}

func (w *Webhook) Send(ctx context.Context, recipient string, msg Message) (Ref, error) {
	delivery := uuid.NewString()
	body := webhookMessage{
		Delivery:  delivery,
		Recipient: recipient,
		Kind:      msg.Kind,
		JobNumber: msg.JobNumber,
		Body:      msg.Body,
		Controls:  msg.Controls,
	}
	data, err := w.post(ctx, w.url+"/messages", body)
	if err != nil {
		return "", err
	}
	var ack webhookAck
	if len(bytes.TrimSpace(data)) > 0 && json.Unmarshal(data, &ack) == nil && ack.Ref != "" {
		return Ref(ack.Ref), nil
	}
	return Ref(delivery), nil
}

func (w *Webhook) RetractControls(ctx context.Context, ref Ref) error {
	_, err := w.post(ctx, w.url+"/retractions", map[string]string{"ref": string(ref)})
	return err
}

func (w *Webhook) post(ctx context.Context, target string, payload any) ([]byte, error) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(w.secret) != "" {
		req.Header.Set("X-Porthub-Secret", w.secret)
	}
	res, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	defer res.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrDeliveryFailed, res.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return respBody, nil
}
