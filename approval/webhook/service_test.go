package webhook

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aurigraph/tokenversion/approval/db"
	"github.com/aurigraph/tokenversion/approval/feed"
	"github.com/aurigraph/tokenversion/approval/types"
	"github.com/aurigraph/tokenversion/shared/event"
	"github.com/aurigraph/tokenversion/shared/params"
	"github.com/aurigraph/tokenversion/shared/testutil/assert"
	"github.com/aurigraph/tokenversion/shared/testutil/require"
)

func overrideConfig(t *testing.T, mutate func(c *params.ApprovalServiceConfig)) {
	t.Helper()
	prev := params.ApprovalConfig()
	c := params.DefaultApprovalServiceConfig()
	mutate(c)
	params.OverrideApprovalConfig(c)
	t.Cleanup(func() {
		params.OverrideApprovalConfig(prev)
	})
}

func setupDispatcher(t *testing.T) (*Service, *db.Store, *event.Feed) {
	t.Helper()
	store, err := db.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	operationFeed := new(event.Feed)
	s := NewService(context.Background(), &Config{
		Database:      store,
		OperationFeed: operationFeed,
	})
	return s, store, operationFeed
}

type capture struct {
	deliveryID string
	eventType  string
	signature  string
	body       []byte
}

func captureServer(t *testing.T, statuses []int, got chan<- capture) *httptest.Server {
	t.Helper()
	var calls int64
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := ioutil.ReadAll(r.Body)
		require.NoError(t, err)
		n := atomic.AddInt64(&calls, 1)
		status := statuses[len(statuses)-1]
		if int(n) <= len(statuses) {
			status = statuses[n-1]
		}
		got <- capture{
			deliveryID: r.Header.Get("X-Aurigraph-Delivery-ID"),
			eventType:  r.Header.Get("X-Aurigraph-Event"),
			signature:  r.Header.Get("X-Aurigraph-Signature"),
			body:       body,
		}
		w.WriteHeader(status)
	}))
}

func TestSign_MatchesHMAC(t *testing.T) {
	body := []byte(`{"id":"abc"}`)
	sig := sign(body, "s3cr3t")
	other := sign(body, "different")
	assert.Equal(t, 64, len(sig), "hex sha256 digest")
	assert.NotEqual(t, sig, other)
	assert.Equal(t, true, hmac.Equal([]byte(sig), []byte(sign(body, "s3cr3t"))))
}

func TestBackoff_DoublesWithCap(t *testing.T) {
	assert.Equal(t, time.Second, backoff(1))
	assert.Equal(t, 2*time.Second, backoff(2))
	assert.Equal(t, 4*time.Second, backoff(3))
	assert.Equal(t, 32*time.Second, backoff(6))
	assert.Equal(t, 32*time.Second, backoff(10))
}

func TestService_SubscriptionLifecycle(t *testing.T) {
	s, store, _ := setupDispatcher(t)
	ctx := context.Background()

	_, err := s.Subscribe(ctx, "", []string{"*"}, "secret")
	require.ErrorIs(t, err, ErrInvalidSubscription)
	_, err = s.Subscribe(ctx, "https://example.com", nil, "secret")
	require.ErrorIs(t, err, ErrInvalidSubscription)
	_, err = s.Subscribe(ctx, "https://example.com", []string{"*"}, "")
	require.ErrorIs(t, err, ErrInvalidSubscription)

	sub, err := s.Subscribe(ctx, "https://example.com/hook", []string{feed.WireApprovalExecuted}, "secret")
	require.NoError(t, err)
	require.Equal(t, 1, len(s.Subscriptions()))

	persisted, err := store.Webhooks(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, len(persisted))
	assert.Equal(t, sub.ID, persisted[0].ID)

	require.NoError(t, s.Unsubscribe(ctx, sub.ID))
	require.Equal(t, 0, len(s.Subscriptions()))
	require.ErrorIs(t, s.Unsubscribe(ctx, sub.ID), db.ErrNotFound)
}

func TestService_StartLoadsPersistedSubscriptions(t *testing.T) {
	s, store, _ := setupDispatcher(t)
	ctx := context.Background()

	require.NoError(t, store.SaveWebhook(ctx, &types.WebhookSubscription{
		ID: "w1", URL: "https://example.com", EventTypes: []string{"*"}, Secret: "secret",
	}))
	s.Start()
	t.Cleanup(func() {
		require.NoError(t, s.Stop())
	})
	require.NoError(t, s.Status())
	require.Equal(t, 1, len(s.Subscriptions()))
}

func TestService_DeliverySignedAndFiltered(t *testing.T) {
	s, _, _ := setupDispatcher(t)
	ctx := context.Background()

	got := make(chan capture, 8)
	srv := captureServer(t, []int{200}, got)
	defer srv.Close()

	_, err := s.Subscribe(ctx, srv.URL, []string{feed.WireApprovalExecuted}, "s3cr3t")
	require.NoError(t, err)
	s.Start()
	t.Cleanup(func() {
		require.NoError(t, s.Stop())
	})

	// A non-matching event type is filtered out.
	require.NoError(t, s.Publish(feed.WireVoteSubmitted, "r1", nil))
	require.NoError(t, s.Publish(feed.WireApprovalExecuted, "r1", map[string]string{"version_id": "v1"}))

	select {
	case c := <-got:
		assert.Equal(t, feed.WireApprovalExecuted, c.eventType)
		assert.NotEqual(t, "", c.deliveryID)
		assert.Equal(t, "sha256="+sign(c.body, "s3cr3t"), c.signature)

		msg := &Message{}
		require.NoError(t, json.Unmarshal(c.body, msg))
		assert.Equal(t, c.deliveryID, msg.ID)
		assert.Equal(t, feed.WireApprovalExecuted, msg.Event)
		assert.Equal(t, "r1", msg.ApprovalID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	select {
	case c := <-got:
		t.Fatalf("unexpected extra delivery for event %s", c.eventType)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestService_RetriesThenSucceeds(t *testing.T) {
	s, _, _ := setupDispatcher(t)
	ctx := context.Background()

	got := make(chan capture, 8)
	srv := captureServer(t, []int{500, 500, 200}, got)
	defer srv.Close()

	_, err := s.Subscribe(ctx, srv.URL, []string{"*"}, "secret")
	require.NoError(t, err)
	s.Start()
	t.Cleanup(func() {
		require.NoError(t, s.Stop())
	})

	require.NoError(t, s.Publish(feed.WireApprovalExecuted, "r1", nil))

	// Three attempts separated by the 1s and 2s backoffs, all carrying
	// the same delivery id.
	var attempts []capture
	deadline := time.After(10 * time.Second)
	for len(attempts) < 3 {
		select {
		case c := <-got:
			attempts = append(attempts, c)
		case <-deadline:
			t.Fatalf("timed out after %d attempts", len(attempts))
		}
	}
	assert.Equal(t, attempts[0].deliveryID, attempts[1].deliveryID)
	assert.Equal(t, attempts[0].deliveryID, attempts[2].deliveryID)

	select {
	case <-got:
		t.Fatal("delivered again after success")
	case <-time.After(1500 * time.Millisecond):
	}
}

func TestService_DropsAfterFinalAttempt(t *testing.T) {
	overrideConfig(t, func(c *params.ApprovalServiceConfig) {
		c.WebhookMaxRetries = 1
	})
	s, _, _ := setupDispatcher(t)
	ctx := context.Background()

	got := make(chan capture, 8)
	srv := captureServer(t, []int{500}, got)
	defer srv.Close()

	_, err := s.Subscribe(ctx, srv.URL, []string{"*"}, "secret")
	require.NoError(t, err)
	s.Start()
	t.Cleanup(func() {
		require.NoError(t, s.Stop())
	})

	require.NoError(t, s.Publish(feed.WireApprovalExecuted, "r1", nil))

	// Initial attempt plus one retry, then the delivery is dropped.
	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for attempt %d", i+1)
		}
	}
	select {
	case <-got:
		t.Fatal("attempted delivery beyond the retry budget")
	case <-time.After(1500 * time.Millisecond):
	}
}

func TestService_QueueFull(t *testing.T) {
	overrideConfig(t, func(c *params.ApprovalServiceConfig) {
		c.WebhookQueueCapacity = 1
	})
	s, _, _ := setupDispatcher(t)
	ctx := context.Background()

	// No workers started: the queue only fills.
	_, err := s.Subscribe(ctx, "https://example.com/hook", []string{"*"}, "secret")
	require.NoError(t, err)

	require.NoError(t, s.Publish(feed.WireApprovalExecuted, "r1", nil))
	require.ErrorIs(t, s.Publish(feed.WireApprovalExecuted, "r2", nil), ErrQueueFull)
}

func TestService_PublishAfterStop(t *testing.T) {
	s, _, _ := setupDispatcher(t)
	s.Start()
	require.NoError(t, s.Stop())
	require.ErrorIs(t, s.Publish(feed.WireApprovalExecuted, "r1", nil), ErrShutdown)
}

func TestService_ConsumesOperationFeed(t *testing.T) {
	s, _, operationFeed := setupDispatcher(t)
	ctx := context.Background()

	got := make(chan capture, 8)
	srv := captureServer(t, []int{200}, got)
	defer srv.Close()

	_, err := s.Subscribe(ctx, srv.URL, []string{feed.WireWindowExpired}, "secret")
	require.NoError(t, err)
	s.Start()
	t.Cleanup(func() {
		require.NoError(t, s.Stop())
	})

	// Internal-only events produce no delivery.
	operationFeed.Send(&feed.Event{
		Type: feed.ApprovalDecided,
		Data: &feed.ApprovalDecidedData{RequestID: "r1"},
	})
	operationFeed.Send(&feed.Event{
		Type: feed.VersionExpired,
		Data: &feed.VersionExpiredData{RequestID: "r1", VersionID: "v1"},
	})

	select {
	case c := <-got:
		assert.Equal(t, feed.WireWindowExpired, c.eventType)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestWireMessage_Mapping(t *testing.T) {
	req := &types.ApprovalRequest{ID: "r1"}
	eventType, approvalID, _, ok := wireMessage(&feed.Event{
		Type: feed.RequestCreated,
		Data: &feed.RequestCreatedData{Request: req},
	})
	require.Equal(t, true, ok)
	assert.Equal(t, feed.WireRequestCreated, eventType)
	assert.Equal(t, "r1", approvalID)

	eventType, approvalID, _, ok = wireMessage(&feed.Event{
		Type: feed.VoteSubmitted,
		Data: &feed.VoteSubmittedData{Vote: &types.ValidatorVote{RequestID: "r2"}},
	})
	require.Equal(t, true, ok)
	assert.Equal(t, feed.WireVoteSubmitted, eventType)
	assert.Equal(t, "r2", approvalID)

	_, _, _, ok = wireMessage(&feed.Event{Type: feed.ExecutionFailed, Data: &feed.ExecutionFailedData{}})
	assert.Equal(t, false, ok)
}
