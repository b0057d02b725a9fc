package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/atelier-run/atelier/pkg/config"
	"github.com/atelier-run/atelier/pkg/events"
	"github.com/atelier-run/atelier/pkg/log"
	"github.com/atelier-run/atelier/pkg/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	headerID        = "X-Webhook-ID"
	headerTimestamp = "X-Webhook-Timestamp"
	headerSignature = "X-Webhook-Signature"

	retryBase    = time.Second
	retryCeiling = 60 * time.Second
)

// alertTypes are the event types worth waking an operator for
var alertTypes = map[events.EventType]bool{
	events.EventRunCompleted:   true,
	events.EventRunFailed:      true,
	events.EventPlanRejected:   true,
	events.EventBillingMode:    true,
	events.EventBreakerChanged: true,
}

// Payload is the delivered JSON body
type Payload struct {
	Event     string      `json:"event"`
	Timestamp string      `json:"timestamp"`
	Data      PayloadData `json:"data"`
}

// PayloadData carries the event detail
type PayloadData struct {
	Message  string            `json:"message,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  interface{}       `json:"payload,omitempty"`
}

// Deliverer posts signed alert payloads to the configured endpoint,
// retrying transient failures with exponential backoff
type Deliverer struct {
	cfg    config.WebhookConfig
	broker *events.Broker
	client *http.Client
	logger zerolog.Logger

	base    time.Duration
	ceiling time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewDeliverer creates a webhook deliverer
func NewDeliverer(cfg config.WebhookConfig, broker *events.Broker) *Deliverer {
	return &Deliverer{
		cfg:     cfg,
		broker:  broker,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  log.WithComponent("webhook"),
		base:    retryBase,
		ceiling: retryCeiling,
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
}

// Start subscribes to the broker and delivers alert events until Stop
func (d *Deliverer) Start() {
	if d.cfg.URL == "" {
		d.logger.Info().Msg("no webhook url configured, delivery disabled")
		return
	}
	sub := d.broker.Subscribe()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.broker.Unsubscribe(sub)
		for {
			select {
			case event, ok := <-sub:
				if !ok {
					return
				}
				if !alertTypes[event.Type] {
					continue
				}
				if err := d.Deliver(event); err != nil {
					d.logger.Error().Err(err).Str("event_type", string(event.Type)).Msg("webhook delivery failed")
				}
			case <-d.stopCh:
				return
			}
		}
	}()
}

// Stop halts delivery
func (d *Deliverer) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// Deliver posts one event, retrying 5xx and network failures. 4xx
// responses are permanent: the receiver rejected the payload and a
// replay would too.
func (d *Deliverer) Deliver(event *events.Event) error {
	payload := Payload{
		Event:     string(event.Type),
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
		Data: PayloadData{
			Message:  event.Message,
			Metadata: event.Metadata,
			Payload:  event.Payload,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	id := uuid.New().String()
	timestamp := strconv.FormatInt(d.now().Unix(), 10)
	signature := Sign(d.cfg.Secret, timestamp, body)

	operation := func() error {
		req, err := http.NewRequest(http.MethodPost, d.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(headerID, id)
		req.Header.Set(headerTimestamp, timestamp)
		req.Header.Set(headerSignature, signature)

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500:
			return fmt.Errorf("endpoint returned %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("endpoint rejected payload with %d", resp.StatusCode))
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.base
	bo.MaxInterval = d.ceiling
	bo.MaxElapsedTime = 0

	if err := backoff.Retry(operation, backoff.WithMaxRetries(bo, uint64(d.cfg.Retries))); err != nil {
		metrics.WebhooksSent.WithLabelValues("failed").Inc()
		return err
	}
	metrics.WebhooksSent.WithLabelValues("delivered").Inc()
	return nil
}

// Sign computes the hex HMAC-SHA256 of "timestamp.body" under the
// shared secret, prefixed with the scheme
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time
func Verify(secret, timestamp string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}
