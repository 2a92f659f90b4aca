package service

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/payswitch/internal/bank"
	"github.com/punchamoorthee/payswitch/internal/bank/banktest"
	"github.com/punchamoorthee/payswitch/internal/clock"
	"github.com/punchamoorthee/payswitch/internal/config"
	"github.com/punchamoorthee/payswitch/internal/directory"
	"github.com/punchamoorthee/payswitch/internal/domain"
	"github.com/punchamoorthee/payswitch/internal/health"
	"github.com/punchamoorthee/payswitch/internal/models"
	"github.com/punchamoorthee/payswitch/internal/routing"
	"github.com/punchamoorthee/payswitch/internal/store"
	"github.com/punchamoorthee/payswitch/internal/verifier"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type harness struct {
	t        *testing.T
	ctx      context.Context
	clock    *clock.FakeClock
	store    *store.Memory
	bank     *banktest.Fake
	registry *health.Registry
	saga     *Saga
	svc      *PaymentService
	banks    *BankService
	keys     map[string]ed25519.PrivateKey
	logs     *observer.ObservedLogs
	cfg      config.SagaConfig
	seq      int
}

func testSagaConfig() config.SagaConfig {
	return config.SagaConfig{
		RouteTimeout:       time.Second,
		DebitTimeout:       time.Second,
		CreditTimeout:      time.Second,
		ReversalTimeout:    time.Second,
		ProbeTimeout:       time.Second,
		StoreTimeout:       time.Second,
		MaxCreditAttempts:  3,
		ReversalAlertAfter: 2,
		ReversalBackoff:    time.Millisecond,
		ReversalBackoffMax: 5 * time.Millisecond,
		RequestWaitBudget:  2 * time.Second,
		RecoveryInterval:   time.Hour,
		Lease:              time.Minute,
	}
}

func testBreakerConfig() config.BreakerConfig {
	return config.BreakerConfig{
		Window:              10 * time.Second,
		Buckets:             10,
		FailureThreshold:    0.5,
		MinRequests:         4,
		CoolDown:            5 * time.Second,
		ProbeLimit:          1,
		HeartbeatTimeout:    time.Minute,
		DegradedSuccessRate: 0.9,
		DegradedLatency:     time.Second,
	}
}

func newHarness(t *testing.T, opts ...func(*config.SagaConfig)) *harness {
	t.Helper()
	cfg := testSagaConfig()
	for _, o := range opts {
		o(&cfg)
	}

	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)
	clk := clock.NewFakeClock(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	mem := store.NewMemory()
	reg := health.NewRegistry(testBreakerConfig(), clk, log)
	fake := banktest.New()
	ids, err := NewIDs(1)
	require.NoError(t, err)

	h := &harness{
		t:        t,
		ctx:      context.Background(),
		clock:    clk,
		store:    mem,
		bank:     fake,
		registry: reg,
		keys:     map[string]ed25519.PrivateKey{},
		logs:     logs,
		cfg:      cfg,
	}
	resolver := directory.NewResolver(mem, nil, time.Minute, log)
	h.banks = NewBankService(mem, reg, resolver, clk, log)
	for _, code := range []string{"AXIS", "HDFC", "SBI"} {
		h.addBank(code)
	}
	h.addVPA("alice@hdfc", "HDFC")
	h.addVPA("bob@sbi", "SBI")
	h.addVPA("carol@axis", "AXIS")

	h.saga = NewSaga(mem, bank.NewInstrumented(fake, reg), reg, routing.NewDefaultEngine(nil), ids, clk, cfg, log)
	h.svc = NewPaymentService(PaymentDeps{
		Store:    mem,
		Saga:     h.saga,
		Banks:    reg,
		Resolver: resolver,
		Dedupe:   verifier.NewMemoryDedupeCache(time.Hour, clk),
		IDs:      ids,
		Clock:    clk,
		Config:   cfg,
		Fees:     config.FeeConfig{SwitchBPS: 10, BankBPS: 5},
		Log:      log,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.svc.Shutdown(ctx)
	})
	return h
}

func (h *harness) addBank(code string, sponsorFor ...string) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(h.t, err)
	h.keys[code] = priv
	_, err = h.banks.Register(h.ctx, models.RegisterBankRequest{
		Code:       code,
		Name:       code + " Bank",
		Endpoint:   "http://" + code + ".test",
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		SponsorFor: sponsorFor,
	})
	require.NoError(h.t, err)
}

func (h *harness) addVPA(vpa, code string) {
	require.NoError(h.t, h.banks.RegisterVPA(h.ctx, models.RegisterVPARequest{VPA: vpa, BankCode: code}))
}

// request builds a request signed by the payer's bank.
func (h *harness) request(payer, payee string, amount int64) models.PaymentRequest {
	h.seq++
	req := models.PaymentRequest{
		DedupeKey: fmt.Sprintf("dk-%d-%s", h.seq, uuid.NewString()[:8]),
		PayerVPA:  payer,
		PayeeVPA:  payee,
		Amount:    amount,
		Currency:  "INR",
	}
	return h.sign(req)
}

func (h *harness) sign(req models.PaymentRequest) models.PaymentRequest {
	code, err := h.store.ResolveVPA(h.ctx, verifier.NormalizeVPA(req.PayerVPA))
	require.NoError(h.t, err)
	req.Signature = verifier.Sign(req, h.keys[code])
	return req
}

func (h *harness) states(id string) []domain.State {
	trs, err := h.store.ListTransitions(h.ctx, id)
	require.NoError(h.t, err)
	out := make([]domain.State, 0, len(trs))
	for _, tr := range trs {
		out = append(out, tr.To)
	}
	return out
}

func (h *harness) terminalEvents(id string) []domain.OutboxEvent {
	var out []domain.OutboxEvent
	for _, ev := range h.store.Events() {
		if ev.Type == domain.EventTransactionTerminal && ev.PartitionKey == id {
			out = append(out, ev)
		}
	}
	return out
}

// terminal waits for a detached saga to finish and returns the stored result.
func (h *harness) terminal(id string) *domain.Transaction {
	h.t.Helper()
	var cur *domain.Transaction
	require.Eventually(h.t, func() bool {
		t, err := h.store.GetTransaction(h.ctx, id)
		if err != nil {
			return false
		}
		cur = t
		return t.State.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return cur
}
