// Package webhook delivers lifecycle events to external subscribers over
// HTTP. Deliveries are signed with the subscription secret, queued on a
// bounded channel, drained by a fixed worker pool, and retried with
// exponential backoff. Delivery is best effort: after the final failed
// attempt the message is dropped.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/aurigraph/tokenversion/approval/db/iface"
	"github.com/aurigraph/tokenversion/approval/feed"
	"github.com/aurigraph/tokenversion/approval/types"
	"github.com/aurigraph/tokenversion/shared/event"
	"github.com/aurigraph/tokenversion/shared/params"
)

var log = logrus.WithField("prefix", "webhook")

var (
	// ErrQueueFull is returned when the dispatch queue is at capacity.
	// Callers treat delivery as best effort and proceed.
	ErrQueueFull = errors.New("webhook dispatch queue is full")
	// ErrShutdown is returned when publishing after the dispatcher
	// started draining.
	ErrShutdown = errors.New("webhook dispatcher is shutting down")
	// ErrInvalidSubscription is returned for malformed subscription input.
	ErrInvalidSubscription = errors.New("invalid webhook subscription")
)

// Delivery headers. The signature is the hex HMAC-SHA256 of the request
// body keyed with the subscription secret.
const (
	headerSignature  = "X-Aurigraph-Signature"
	headerEvent      = "X-Aurigraph-Event"
	headerDeliveryID = "X-Aurigraph-Delivery-ID"
)

// Message is the JSON body POSTed to subscribers.
type Message struct {
	ID         string      `json:"id"`
	Event      string      `json:"event"`
	ApprovalID string      `json:"approval_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       interface{} `json:"data,omitempty"`
}

type delivery struct {
	msg  *Message
	body []byte
	sub  *types.WebhookSubscription
}

// Config options for the webhook dispatcher.
type Config struct {
	Database iface.Database
	// OperationFeed carries the lifecycle events to fan out to
	// subscribers.
	OperationFeed *event.Feed
}

// Service is the queued webhook dispatcher.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *Config
	client *http.Client
	queue  chan *delivery
	wg     sync.WaitGroup
	err    error

	mu     sync.RWMutex
	subs   map[string]*types.WebhookSubscription
	closed bool
}

// NewService instantiates the webhook dispatcher from configuration options.
func NewService(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	c := params.ApprovalConfig()
	return &Service{
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(c.WebhookTimeoutSecs) * time.Second},
		queue:  make(chan *delivery, c.WebhookQueueCapacity),
		subs:   make(map[string]*types.WebhookSubscription),
	}
}

// Start loads persisted subscriptions, spawns the worker pool, and begins
// consuming the operation feed.
func (s *Service) Start() {
	subs, err := s.cfg.Database.Webhooks(s.ctx)
	if err != nil {
		s.err = errors.Wrap(err, "could not load webhook subscriptions")
		log.WithError(err).Error("Failed to load webhook subscriptions")
		return
	}
	s.mu.Lock()
	for _, sub := range subs {
		s.subs[sub.ID] = sub
	}
	s.mu.Unlock()

	workers := params.ApprovalConfig().WebhookWorkers
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	go s.consumeFeed()
	log.WithFields(logrus.Fields{
		"subscriptions": len(subs),
		"workers":       workers,
	}).Info("Webhook dispatcher started")
}

// Stop drains the queue up to the configured deadline, then abandons
// whatever is left.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	drain := time.Duration(params.ApprovalConfig().WebhookDrainSecs) * time.Second
	select {
	case <-done:
	case <-time.After(drain):
		log.Warn("Drain deadline exceeded, abandoning queued webhook deliveries")
	}
	s.cancel()
	return nil
}

// Status returns the startup error, if any.
func (s *Service) Status() error {
	return s.err
}

// Subscribe persists a new webhook subscription and starts delivering
// matching events to it.
func (s *Service) Subscribe(ctx context.Context, url string, eventTypes []string, secret string) (*types.WebhookSubscription, error) {
	if url == "" {
		return nil, errors.Wrap(ErrInvalidSubscription, "url is required")
	}
	if len(eventTypes) == 0 {
		return nil, errors.Wrap(ErrInvalidSubscription, "event types are required")
	}
	if secret == "" {
		return nil, errors.Wrap(ErrInvalidSubscription, "secret is required")
	}
	sub := &types.WebhookSubscription{
		ID:         uuid.New().String(),
		URL:        url,
		EventTypes: append([]string(nil), eventTypes...),
		Secret:     secret,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.cfg.Database.SaveWebhook(ctx, sub); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.subs[sub.ID] = sub
	s.mu.Unlock()
	log.WithFields(logrus.Fields{"webhookId": sub.ID, "url": url}).Info("Webhook subscribed")
	return sub, nil
}

// Unsubscribe removes a webhook subscription.
func (s *Service) Unsubscribe(ctx context.Context, id string) error {
	if err := s.cfg.Database.DeleteWebhook(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
	log.WithField("webhookId", id).Info("Webhook unsubscribed")
	return nil
}

// Subscriptions returns the current subscriptions.
func (s *Service) Subscriptions() []*types.WebhookSubscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subs := make([]*types.WebhookSubscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	return subs
}

// consumeFeed translates operation feed events to outbound deliveries.
func (s *Service) consumeFeed() {
	ch := make(chan *feed.Event, 256)
	sub := s.cfg.OperationFeed.Subscribe(ch)
	defer sub.Unsubscribe()
	for {
		select {
		case ev := <-ch:
			eventType, approvalID, data, ok := wireMessage(ev)
			if !ok {
				continue
			}
			if err := s.Publish(eventType, approvalID, data); err != nil {
				log.WithError(err).WithField("event", eventType).Warn("Dropping webhook event")
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// wireMessage maps an internal feed event to its wire representation.
// Events without a wire type are not delivered to subscribers.
func wireMessage(ev *feed.Event) (eventType, approvalID string, data interface{}, ok bool) {
	switch ev.Type {
	case feed.RequestCreated:
		d := ev.Data.(*feed.RequestCreatedData)
		return feed.WireRequestCreated, d.Request.ID, d.Request, true
	case feed.VoteSubmitted:
		d := ev.Data.(*feed.VoteSubmittedData)
		return feed.WireVoteSubmitted, d.Vote.RequestID, d.Vote, true
	case feed.ConsensusReached:
		d := ev.Data.(*feed.ConsensusReachedData)
		return feed.WireConsensusReached, d.RequestID, d, true
	case feed.ExecutionCompleted:
		d := ev.Data.(*feed.ExecutionCompletedData)
		return feed.WireApprovalExecuted, d.RequestID, d, true
	case feed.VersionRejected:
		d := ev.Data.(*feed.VersionRejectedData)
		return feed.WireApprovalRejected, d.RequestID, d, true
	case feed.VersionExpired:
		d := ev.Data.(*feed.VersionExpiredData)
		return feed.WireWindowExpired, d.RequestID, d, true
	default:
		return "", "", nil, false
	}
}

// Publish enqueues one delivery per subscription matching the event type.
// A full queue refuses the whole event with ErrQueueFull.
func (s *Service) Publish(eventType, approvalID string, data interface{}) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrShutdown
	}
	for _, sub := range s.subs {
		if !sub.Matches(eventType) {
			continue
		}
		msg := &Message{
			ID:         uuid.New().String(),
			Event:      eventType,
			ApprovalID: approvalID,
			Timestamp:  time.Now().UTC(),
			Data:       data,
		}
		body, err := json.Marshal(msg)
		if err != nil {
			return errors.Wrap(err, "could not marshal webhook payload")
		}
		select {
		case s.queue <- &delivery{msg: msg, body: body, sub: sub}:
			queueDepth.Inc()
		default:
			queueFull.Inc()
			return ErrQueueFull
		}
	}
	return nil
}

func (s *Service) worker() {
	defer s.wg.Done()
	for d := range s.queue {
		queueDepth.Dec()
		s.deliver(d)
	}
}

// deliver attempts the delivery with retries. Backoff doubles from one
// second, capped at 32 seconds. All attempts carry the same delivery id.
func (s *Service) deliver(d *delivery) {
	maxRetries := params.ApprovalConfig().WebhookMaxRetries
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if !s.sleep(backoff(attempt)) {
				break
			}
		}
		deliveryAttempts.Inc()
		lastErr = s.post(d)
		if lastErr == nil {
			deliveriesSucceeded.Inc()
			log.WithFields(logrus.Fields{
				"deliveryId": d.msg.ID,
				"event":      d.msg.Event,
				"attempts":   attempt + 1,
			}).Debug("Webhook delivered")
			return
		}
	}
	deliveriesDropped.Inc()
	log.WithError(lastErr).WithFields(logrus.Fields{
		"deliveryId": d.msg.ID,
		"event":      d.msg.Event,
		"url":        d.sub.URL,
	}).Error("Webhook delivery dropped after final attempt")
}

func (s *Service) post(d *delivery) error {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, d.sub.URL, bytes.NewReader(d.body))
	if err != nil {
		return errors.Wrap(err, "could not build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerSignature, "sha256="+sign(d.body, d.sub.Secret))
	req.Header.Set(headerEvent, d.msg.Event)
	req.Header.Set(headerDeliveryID, d.msg.ID)

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "webhook request failed")
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.WithError(err).Debug("Could not close webhook response body")
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("webhook responded with status %d", resp.StatusCode)
	}
	return nil
}

// sleep waits for the backoff duration, returning false when the service
// is shutting down hard.
func (s *Service) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// backoff returns the wait before the given retry attempt: 1s, 2s, 4s,
// doubling up to a 32s cap.
func backoff(attempt int) time.Duration {
	d := time.Second << uint(attempt-1)
	if d > 32*time.Second {
		d = 32 * time.Second
	}
	return d
}

// sign computes the hex HMAC-SHA256 of the body keyed with the secret.
func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
