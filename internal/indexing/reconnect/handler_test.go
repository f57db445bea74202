package reconnect

import (
	"context"
	"errors"
	"testing"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/domain"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/listener"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/indexing/recovery"
)

// mockListener records calls and fails ResumeListening with the queued errors.
type mockListener struct {
	tracker *listener.StateTracker
	errs    []error
	resumed []listener.SubscriptionConfig
	drops   int
}

func (m *mockListener) ResumeListening(ctx context.Context, cfg listener.SubscriptionConfig) error {
	m.resumed = append(m.resumed, cfg)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		// Mirror Listener.Setup: a failed setup wipes the stored config
		m.tracker.ClearSubscription(cfg.Blockchain.ChainID)
		return err
	}
	m.tracker.StoreSubscription(cfg)
	return nil
}

func (m *mockListener) DropListener(chainID string) {
	m.drops++
	m.tracker.Clear(chainID)
}

func validConfig() listener.SubscriptionConfig {
	return listener.SubscriptionConfig{
		Blockchain: domain.Blockchain{
			ChainID:             "42161",
			WSURL:               "wss://arb.example",
			CacheManagerAddress: "0x51dEDBD2f190E0696AFbEE5E60bFdE96d86464ec",
		},
		EventTypes: []domain.EventType{domain.EventInsertBid, domain.EventDeleteBid},
	}
}

func newHandler(t *testing.T) (*Handler, *mockListener, *listener.StateTracker) {
	t.Helper()
	tracker := listener.NewStateTracker()
	ml := &mockListener{tracker: tracker}
	h, err := NewHandler(ml, tracker, nil)
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	return h, ml, tracker
}

func TestNewHandler_RequiresListener(t *testing.T) {
	_, err := NewHandler(nil, listener.NewStateTracker(), nil)
	if !errors.Is(err, ErrListenerNotConfigured) {
		t.Errorf("expected ErrListenerNotConfigured, got %v", err)
	}
	if !recovery.IsPermanent(err) {
		t.Error("missing listener must be permanent")
	}
}

func TestHandleReconnection_NoStoredConfigIsNoop(t *testing.T) {
	h, ml, _ := newHandler(t)

	if err := h.HandleReconnection(context.Background(), "42161"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if len(ml.resumed) != 0 || ml.drops != 0 {
		t.Errorf("expected no listener calls, got %d resumes %d drops", len(ml.resumed), ml.drops)
	}
}

func TestHandleReconnection_InvalidConfigIsPermanent(t *testing.T) {
	h, ml, tracker := newHandler(t)
	cfg := validConfig()
	cfg.EventTypes = nil
	tracker.StoreSubscription(cfg)

	err := h.HandleReconnection(context.Background(), "42161")
	if !errors.Is(err, listener.ErrInvalidSubscription) || !recovery.IsPermanent(err) {
		t.Errorf("expected permanent ErrInvalidSubscription, got %v", err)
	}
	if len(ml.resumed) != 0 {
		t.Error("invalid config must not be replayed")
	}
}

func TestHandleReconnection_Resumes(t *testing.T) {
	h, ml, tracker := newHandler(t)
	tracker.StoreSubscription(validConfig())

	if err := h.HandleReconnection(context.Background(), "42161"); err != nil {
		t.Fatalf("HandleReconnection failed: %v", err)
	}
	if len(ml.resumed) != 1 || ml.drops != 1 {
		t.Errorf("expected drop then resume, got %d resumes %d drops", len(ml.resumed), ml.drops)
	}
	if ml.resumed[0].Blockchain.WSURL != "wss://arb.example" {
		t.Errorf("unexpected replayed config %+v", ml.resumed[0])
	}
}

func TestHandleReconnection_FailureKeepsConfig(t *testing.T) {
	h, ml, tracker := newHandler(t)
	tracker.StoreSubscription(validConfig())
	ml.errs = []error{errors.New("dial tcp: connection refused")}

	err := h.HandleReconnection(context.Background(), "42161")
	if err == nil || recovery.IsPermanent(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if tracker.Subscription("42161") == nil {
		t.Fatal("stored config must survive a failed resume")
	}
	if tracker.Status("42161") != listener.StatusIdle {
		t.Errorf("expected idle, got %s", tracker.Status("42161"))
	}
	if ml.drops != 2 {
		t.Errorf("expected drop before and after the attempt, got %d", ml.drops)
	}

	// The next reconnection can still use it
	if err := h.HandleReconnection(context.Background(), "42161"); err != nil {
		t.Fatalf("second attempt failed: %v", err)
	}
	if len(ml.resumed) != 2 {
		t.Errorf("expected 2 resume attempts, got %d", len(ml.resumed))
	}
}

func TestHandleReconnection_UnderRetry(t *testing.T) {
	h, ml, tracker := newHandler(t)
	tracker.StoreSubscription(validConfig())
	ml.errs = []error{errors.New("refused"), errors.New("refused")}

	err := recovery.Retry(context.Background(), recovery.FixedDelay{MaxAttempts: 5}, func(ctx context.Context) error {
		return h.HandleReconnection(ctx, "42161")
	})
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if len(ml.resumed) != 3 {
		t.Errorf("expected 3 attempts, got %d", len(ml.resumed))
	}
}
