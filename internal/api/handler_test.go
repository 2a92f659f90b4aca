package api_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/payswitch/internal/api"
	"github.com/punchamoorthee/payswitch/internal/bank"
	"github.com/punchamoorthee/payswitch/internal/bank/banktest"
	"github.com/punchamoorthee/payswitch/internal/clock"
	"github.com/punchamoorthee/payswitch/internal/config"
	"github.com/punchamoorthee/payswitch/internal/directory"
	"github.com/punchamoorthee/payswitch/internal/domain"
	"github.com/punchamoorthee/payswitch/internal/health"
	"github.com/punchamoorthee/payswitch/internal/lock"
	"github.com/punchamoorthee/payswitch/internal/models"
	"github.com/punchamoorthee/payswitch/internal/routing"
	"github.com/punchamoorthee/payswitch/internal/service"
	"github.com/punchamoorthee/payswitch/internal/settlement"
	"github.com/punchamoorthee/payswitch/internal/store"
	"github.com/punchamoorthee/payswitch/internal/verifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"
)

type APISuite struct {
	suite.Suite
	clock    *clock.FakeClock
	store    *store.Memory
	bank     *banktest.Fake
	payments *service.PaymentService
	router   *mux.Router
	keys     map[string]ed25519.PrivateKey
}

func TestAPISuite(t *testing.T) {
	suite.Run(t, new(APISuite))
}

func (s *APISuite) SetupTest() {
	log := zaptest.NewLogger(s.T())
	s.clock = clock.NewFakeClock(time.Date(2026, 5, 4, 10, 3, 0, 0, time.UTC))
	s.store = store.NewMemory()
	s.bank = banktest.New()
	s.keys = map[string]ed25519.PrivateKey{}

	reg := health.NewRegistry(config.BreakerConfig{
		Window: 10 * time.Second, Buckets: 10, FailureThreshold: 0.5,
		MinRequests: 4, CoolDown: 5 * time.Second, ProbeLimit: 1,
		HeartbeatTimeout: time.Minute, DegradedSuccessRate: 0.9, DegradedLatency: time.Second,
	}, s.clock, log)
	sagaCfg := config.SagaConfig{
		RouteTimeout: time.Second, DebitTimeout: time.Second, CreditTimeout: time.Second,
		ReversalTimeout: time.Second, ProbeTimeout: time.Second, StoreTimeout: time.Second,
		MaxCreditAttempts: 3, ReversalAlertAfter: 3,
		ReversalBackoff: time.Millisecond, ReversalBackoffMax: 5 * time.Millisecond,
		RequestWaitBudget: 2 * time.Second, RecoveryInterval: time.Hour, Lease: time.Minute,
	}
	ids, err := service.NewIDs(1)
	s.Require().NoError(err)

	resolver := directory.NewResolver(s.store, nil, time.Minute, log)
	banks := service.NewBankService(s.store, reg, resolver, s.clock, log)
	saga := service.NewSaga(s.store, bank.NewInstrumented(s.bank, reg), reg, routing.NewDefaultEngine(nil), ids, s.clock, sagaCfg, log)
	s.payments = service.NewPaymentService(service.PaymentDeps{
		Store:    s.store,
		Saga:     saga,
		Banks:    reg,
		Resolver: resolver,
		Dedupe:   verifier.NewMemoryDedupeCache(time.Hour, s.clock),
		IDs:      ids,
		Clock:    s.clock,
		Config:   sagaCfg,
		Fees:     config.FeeConfig{SwitchBPS: 10, BankBPS: 5},
		Log:      log,
	})
	engine := settlement.NewEngine(s.store, lock.NewLocalLocker(s.clock), s.clock, config.SettlementConfig{
		Window: 15 * time.Minute, Schedule: "@every 1m", Grace: time.Minute, LockTTL: time.Minute,
	}, log)
	s.router = api.NewRouter(api.NewHandler(s.payments, banks, engine, s.store, log))

	for _, code := range []string{"HDFC", "SBI"} {
		s.registerBank(code)
	}
	s.registerVPA("alice@hdfc", "HDFC")
	s.registerVPA("bob@sbi", "SBI")
}

func (s *APISuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.payments.Shutdown(ctx)
}

func (s *APISuite) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *APISuite) decode(rec *httptest.ResponseRecorder, dst any) {
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

func (s *APISuite) registerBank(code string) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	s.Require().NoError(err)
	s.keys[code] = priv
	rec := s.do(http.MethodPost, "/api/v1/admin/banks", models.RegisterBankRequest{
		Code:      code,
		Name:      code + " Bank",
		Endpoint:  "http://" + code + ".test",
		PublicKey: base64.StdEncoding.EncodeToString(pub),
	})
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
}

func (s *APISuite) registerVPA(vpa, code string) {
	rec := s.do(http.MethodPost, "/api/v1/admin/vpas", models.RegisterVPARequest{VPA: vpa, BankCode: code})
	s.Require().Equal(http.StatusNoContent, rec.Code, rec.Body.String())
}

func (s *APISuite) payment(key string, amount int64) models.PaymentRequest {
	req := models.PaymentRequest{
		DedupeKey: key,
		PayerVPA:  "alice@hdfc",
		PayeeVPA:  "bob@sbi",
		Amount:    amount,
		Currency:  "INR",
	}
	req.Signature = verifier.Sign(req, s.keys["HDFC"])
	return req
}

func (s *APISuite) TestCreateTransaction() {
	rec := s.do(http.MethodPost, "/api/v1/transactions", s.payment("k-1", 500_00), "Idempotency-Key", "k-1")
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())

	var resp models.PaymentResponse
	s.decode(rec, &resp)
	s.Equal("SUCCESS", resp.Status)
	s.Equal("500.00 INR", resp.Amount)
	s.Equal("0.50 INR", resp.SwitchFee)
	s.Equal("0.75 INR", resp.TotalFee)
	s.Len(resp.RRN, 12)
	s.NotEmpty(resp.BankReferenceID)
	s.Equal("/api/v1/transactions/"+resp.TransactionID, rec.Header().Get("Location"))

	again := s.do(http.MethodPost, "/api/v1/transactions", s.payment("k-1", 500_00))
	s.Require().Equal(http.StatusOK, again.Code)
	var replay models.PaymentResponse
	s.decode(again, &replay)
	s.Equal(resp.TransactionID, replay.TransactionID)
	s.Len(s.bank.Calls("HDFC", bank.OpDebit), 1)

	get := s.do(http.MethodGet, "/api/v1/transactions/"+resp.TransactionID, nil)
	s.Require().Equal(http.StatusOK, get.Code)
	var fetched models.PaymentResponse
	s.decode(get, &fetched)
	s.Equal(resp, fetched)

	hist := s.do(http.MethodGet, "/api/v1/transactions/"+resp.TransactionID+"/transitions", nil)
	s.Require().Equal(http.StatusOK, hist.Code)
	var trs []domain.Transition
	s.decode(hist, &trs)
	s.Len(trs, 6)
	s.Equal(domain.StateSuccess, trs[len(trs)-1].To)
}

func (s *APISuite) TestCreateTransactionErrors() {
	tests := []struct {
		name   string
		body   any
		header string
		status int
		code   string
	}{
		{"header differs from dedupe key", s.payment("k-2", 100), "other", http.StatusBadRequest, "IDEMPOTENCY_KEY_MISMATCH"},
		{"bad signature", func() models.PaymentRequest { r := s.payment("k-3", 100); r.Amount = 101; return r }(), "", http.StatusBadRequest, "INVALID_SIGNATURE"},
		{"missing amount", func() models.PaymentRequest { r := s.payment("k-4", 100); r.Amount = 0; return r }(), "", http.StatusBadRequest, "INVALID_AMOUNT"},
		{"malformed body", "not-an-object", "", http.StatusBadRequest, "MALFORMED_JSON"},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			var headers []string
			if tt.header != "" {
				headers = []string{"Idempotency-Key", tt.header}
			}
			rec := s.do(http.MethodPost, "/api/v1/transactions", tt.body, headers...)
			s.Equal(tt.status, rec.Code, rec.Body.String())
			var e map[string]string
			s.decode(rec, &e)
			s.Equal(tt.code, e["code"])
		})
	}
	s.Empty(s.bank.Calls("HDFC", bank.OpDebit))
}

func (s *APISuite) TestIdempotencyMismatch() {
	rec := s.do(http.MethodPost, "/api/v1/transactions", s.payment("k-5", 100))
	s.Require().Equal(http.StatusOK, rec.Code)
	var first models.PaymentResponse
	s.decode(rec, &first)

	rec = s.do(http.MethodPost, "/api/v1/transactions", s.payment("k-5", 200))
	s.Equal(http.StatusUnprocessableEntity, rec.Code)
	var e map[string]string
	s.decode(rec, &e)
	s.Equal("IDEMPOTENCY_MISMATCH", e["code"])
	s.Equal(first.TransactionID, e["transactionId"])
}

func (s *APISuite) TestDeclinedDebitIsReported() {
	s.bank.Script("HDFC", bank.OpDebit, banktest.Decline("INSUFFICIENT_FUNDS"))
	rec := s.do(http.MethodPost, "/api/v1/transactions", s.payment("k-6", 100))
	s.Require().Equal(http.StatusOK, rec.Code)
	var resp models.PaymentResponse
	s.decode(rec, &resp)
	s.Equal("FAILED", resp.Status)
	s.Equal(domain.CodeDebitDeclined, resp.ErrorCode)
}

func (s *APISuite) TestNotFound() {
	s.Equal(http.StatusNotFound, s.do(http.MethodGet, "/api/v1/transactions/missing", nil).Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodGet, "/api/v1/transactions/missing/transitions", nil).Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodGet, "/api/v1/admin/banks/NOPE", nil).Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodGet, "/api/v1/settlements/STL-x", nil).Code)
}

func (s *APISuite) TestBankAdmin() {
	rec := s.do(http.MethodGet, "/api/v1/admin/banks", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var list []domain.BankHealth
	s.decode(rec, &list)
	s.Require().Len(list, 2)
	s.Equal("HDFC", list[0].Code)

	rec = s.do(http.MethodPost, "/api/v1/admin/banks/sbi/heartbeat", models.HeartbeatRequest{Healthy: true, LatencyMS: 20})
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	var bh domain.BankHealth
	s.decode(rec, &bh)
	s.NotNil(bh.LastHeartbeatAt)

	rec = s.do(http.MethodPut, "/api/v1/admin/banks/SBI/circuit", models.CircuitOverrideRequest{State: "BROKEN"})
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPut, "/api/v1/admin/banks/SBI/circuit", models.CircuitOverrideRequest{State: "OPEN"})
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	s.decode(rec, &bh)
	s.Equal(domain.CircuitOpen, bh.CircuitState)
	s.True(bh.Forced)

	rec = s.do(http.MethodPost, "/api/v1/transactions", s.payment("k-7", 100))
	s.Require().Equal(http.StatusOK, rec.Code)
	var resp models.PaymentResponse
	s.decode(rec, &resp)
	s.Equal("FAILED", resp.Status)
	s.Equal(domain.CodeNoHealthyRoute, resp.ErrorCode)
	s.Empty(s.bank.Calls("HDFC", bank.OpDebit), "no route, no debit")

	rec = s.do(http.MethodPost, "/api/v1/admin/vpas", models.RegisterVPARequest{VPA: "dave@icici", BankCode: "ICICI"})
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *APISuite) TestDeactivateVPA() {
	rec := s.do(http.MethodDelete, "/api/v1/admin/vpas/Bob@SBI", nil)
	s.Require().Equal(http.StatusNoContent, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/v1/transactions", s.payment("k-9", 100))
	s.Equal(http.StatusBadRequest, rec.Code)
	var e map[string]string
	s.decode(rec, &e)
	s.Equal("UNKNOWN_VPA", e["code"])
	s.Empty(s.bank.Calls("HDFC", bank.OpDebit))

	s.Equal(http.StatusNotFound, s.do(http.MethodDelete, "/api/v1/admin/vpas/bob@sbi", nil).Code)

	s.registerVPA("bob@sbi", "SBI")
	rec = s.do(http.MethodPost, "/api/v1/transactions", s.payment("k-10", 100))
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
}

func (s *APISuite) TestSettlementFlow() {
	rec := s.do(http.MethodPost, "/api/v1/transactions", s.payment("k-8", 700))
	s.Require().Equal(http.StatusOK, rec.Code)

	rec = s.do(http.MethodPost, "/api/v1/settlements/run", nil)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	var empty models.SettlementResponse
	s.decode(rec, &empty)
	s.Equal(domain.BatchReconciled, empty.Status, "the 09:45 window has no interbank flow")

	at := time.Date(2026, 5, 4, 10, 3, 0, 0, time.UTC)
	rec = s.do(http.MethodPost, "/api/v1/settlements/run", models.SettleRequest{At: &at})
	s.Equal(http.StatusBadRequest, rec.Code, "window still open")

	s.clock.Advance(15 * time.Minute)
	rec = s.do(http.MethodPost, "/api/v1/settlements/run", models.SettleRequest{At: &at})
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	var batch models.SettlementResponse
	s.decode(rec, &batch)
	s.Equal(domain.BatchClosed, batch.Status)
	s.Equal(1, batch.TransactionCount)
	s.Equal(int64(700), batch.Net("HDFC", "SBI"))

	path := "/api/v1/settlements/" + batch.ID
	rec = s.do(http.MethodPost, path+"/reports", models.SettlementReportRequest{BankCode: "HDFC", NetByCounterparty: map[string]int64{"SBI": 700}})
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	rec = s.do(http.MethodPost, path+"/reports", models.SettlementReportRequest{BankCode: "SBI", NetByCounterparty: map[string]int64{"HDFC": -700}})
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, path, nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.decode(rec, &batch)
	s.Equal(domain.BatchReconciled, batch.Status)

	rec = s.do(http.MethodPost, path+"/reports", models.SettlementReportRequest{BankCode: "SBI", NetByCounterparty: map[string]int64{"HDFC": -700}})
	s.Equal(http.StatusConflict, rec.Code)
}

func (s *APISuite) TestOperationalRoutes() {
	rec := s.do(http.MethodGet, "/health", nil)
	s.Equal(http.StatusOK, rec.Code)
	s.JSONEq(`{"status":"ok"}`, rec.Body.String())

	rec = s.do(http.MethodGet, "/metrics", nil)
	s.Equal(http.StatusOK, rec.Code)
	s.Contains(rec.Body.String(), "switch_http_requests_total")
}

func TestHealthReportsStoreOutage(t *testing.T) {
	router := api.NewRouter(api.NewHandler(nil, nil, nil, downStore{}, zaptest.NewLogger(t)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.JSONEq(t, `{"status":"unavailable"}`, rec.Body.String())
}

type downStore struct{}

func (downStore) Ping(context.Context) error { return context.DeadlineExceeded }
