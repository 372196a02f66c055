package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"voltsettle/internal/challenge"
	"voltsettle/internal/config"
	"voltsettle/internal/escrow"
	"voltsettle/internal/events"
	"voltsettle/internal/hmacauth"
	"voltsettle/internal/invoice"
	"voltsettle/internal/ledger"
	"voltsettle/internal/metrics"
	"voltsettle/internal/mirror"
	"voltsettle/internal/review"
	"voltsettle/internal/settlement"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const (
	secret   = "test-secret"
	investor = "0.0.4001"
)

// deposits answers Verify from a fixed table keyed by normalized tx id.
type deposits struct {
	mu   sync.Mutex
	ok   map[string]int64
	errs map[string]error
}

func (d *deposits) set(tx string, amount int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, _ := mirror.NormalizeTxID(tx)
	d.ok[id] = amount
}

func (d *deposits) fail(tx string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, _ := mirror.NormalizeTxID(tx)
	d.errs[id] = err
}

func (d *deposits) Verify(_ context.Context, dep mirror.Deposit) (mirror.Verified, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.errs[dep.TxID]; ok {
		return mirror.Verified{}, err
	}
	amount, ok := d.ok[dep.TxID]
	if !ok {
		return mirror.Verified{}, mirror.ErrVerificationTimeout
	}
	return mirror.Verified{TxID: dep.TxID, Units: amount * 1_000_000, Amount: decimal.NewFromInt(amount), Decimals: 6}, nil
}

type testAPI struct {
	handler  http.Handler
	deposits *deposits
	fake     *escrow.FakeClient
	reviews  *review.MemoryStore
	now      time.Time
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	cfg := config.Default()
	cfg.Service.HMACSecret = secret
	cfg.Service.HMACClockSkew = time.Minute

	catalog := invoice.NewMemoryCatalog(invoice.Invoice{
		ID:               "INV-1",
		InvoiceNumber:    "VOLT-0001",
		TokenID:          "0.0.5001",
		EscrowContractID: "0.0.4200",
		MinInvestment:    decimal.NewFromInt(10),
		MaxInvestment:    decimal.NewFromInt(1_000),
		TotalTarget:      decimal.NewFromInt(1_000),
		YieldRate:        decimal.RequireFromString("0.1"),
		DurationDays:     30,
		Tokenized:        true,
	})

	api := &testAPI{
		deposits: &deposits{ok: make(map[string]int64), errs: make(map[string]error)},
		fake:     escrow.NewFakeClient(common.HexToAddress("0x00000000000000000000000000000000000a11ce")),
		reviews:  review.NewMemoryStore(),
		now:      time.Now(),
	}
	m := metrics.New()
	store := ledger.NewMemoryStore()
	loc := escrow.NewLocator(catalog)
	chain := escrow.NewExecutor(api.fake, m)
	pub := &events.Recorder{}

	l := ledger.New(ledger.Config{VUSDToken: "0.0.7029847"}, ledger.Deps{
		Store:    store,
		Locator:  loc,
		Verifier: api.deposits,
		Chain:    chain,
		Reviews:  api.reviews,
		Events:   pub,
		Metrics:  m,
	})
	sched := settlement.NewScheduler(settlement.Config{}, store, loc, chain, api.reviews, pub, m)

	srv := NewServer(cfg, Deps{
		Ledger:     l,
		Settlement: sched,
		Challenges: challenge.NewIssuer(challenge.NewMemoryStore(), time.Minute),
		Reviews:    api.reviews,
		Metrics:    m,
		RPCHealth:  api.fake.Ping,
	})
	api.handler = srv.Handler()
	return api
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}, headers map[string]string, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if sign {
		hmacauth.SignRequest(req, secret, raw, a.now)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) challenge(t *testing.T, investorID string) string {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/v1/challenges", map[string]string{"investorId": investorID}, nil, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("challenge: expected 201, got %d: %s", rec.Code, rec.Body)
	}
	var c challenge.Challenge
	if err := json.Unmarshal(rec.Body.Bytes(), &c); err != nil {
		t.Fatalf("decode challenge: %v", err)
	}
	return c.Nonce
}

func (a *testAPI) invest(t *testing.T, tx string) *httptest.ResponseRecorder {
	t.Helper()
	body := map[string]string{"invoiceId": "INV-1", "investorId": investor, "depositTxId": tx}
	return a.do(t, http.MethodPost, "/api/v1/investments", body, map[string]string{headerChallenge: a.challenge(t, investor)}, true)
}

func txID(n int) string {
	return fmt.Sprintf("%s@1700000000.%09d", investor, n)
}

func TestCreateInvestmentAndReplay(t *testing.T) {
	api := newTestAPI(t)
	api.deposits.set(txID(1), 100)

	rec := api.invest(t, txID(1))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	var created ledger.Allocation
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Investment == nil || created.ITokenAmount != 10 || created.Replayed {
		t.Fatalf("unexpected allocation: %s", rec.Body)
	}

	rec = api.invest(t, txID(1))
	if rec.Code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var replay ledger.Allocation
	_ = json.Unmarshal(rec.Body.Bytes(), &replay)
	if !replay.Replayed || replay.ID != created.ID {
		t.Fatalf("replay should return the original investment: %s", rec.Body)
	}
	if calls := api.fake.Calls("releaseIToken"); calls != 1 {
		t.Fatalf("expected one release, got %d", calls)
	}

	rec = api.do(t, http.MethodGet, "/api/v1/investments/"+created.ID, nil, nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}

	rec = api.do(t, http.MethodGet, "/api/v1/investments?investorId="+investor, nil, nil, false)
	var list struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &list)
	if rec.Code != http.StatusOK || list.Count != 1 {
		t.Fatalf("list: %d %s", rec.Code, rec.Body)
	}

	rec = api.do(t, http.MethodGet, "/api/v1/pools/INV-1", nil, nil, false)
	var stats ledger.PoolStats
	_ = json.Unmarshal(rec.Body.Bytes(), &stats)
	if rec.Code != http.StatusOK || stats.Progress != 10 || stats.Status != ledger.PoolFunded || stats.Investors != 1 {
		t.Fatalf("pool stats: %d %s", rec.Code, rec.Body)
	}
}

func TestCreateInvestmentRequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	api.deposits.set(txID(1), 100)
	body := map[string]string{"invoiceId": "INV-1", "investorId": investor, "depositTxId": txID(1)}

	if rec := api.do(t, http.MethodPost, "/api/v1/investments", body, nil, false); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned: expected 401, got %d", rec.Code)
	}
	if rec := api.do(t, http.MethodPost, "/api/v1/investments", body, nil, true); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no challenge: expected 401, got %d", rec.Code)
	}

	other := api.challenge(t, "0.0.4002")
	rec := api.do(t, http.MethodPost, "/api/v1/investments", body, map[string]string{headerChallenge: other}, true)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("foreign challenge: expected 401, got %d", rec.Code)
	}
	if calls := api.fake.Calls("releaseIToken"); calls != 0 {
		t.Fatalf("rejected requests must not reach the chain, got %d releases", calls)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	api := newTestAPI(t)
	api.deposits.set(txID(1), 5)
	api.deposits.set(txID(2), 2_000)
	api.deposits.fail(txID(3), &mirror.UnavailableError{StatusCode: 502, Err: errors.New("bad gateway")})
	api.deposits.fail(txID(4), fmt.Errorf("%w: wrong escrow", mirror.ErrTransferMismatch))

	cases := []struct {
		tx   string
		code int
		kind string
	}{
		{txID(1), http.StatusConflict, "business_rejection"},
		{txID(2), http.StatusConflict, "business_rejection"},
		{txID(3), http.StatusServiceUnavailable, "external_unavailable"},
		{txID(4), http.StatusConflict, "business_rejection"},
		{"not-a-tx", http.StatusBadRequest, "input_validation"},
	}
	for _, tc := range cases {
		rec := api.invest(t, tc.tx)
		var body errorBody
		_ = json.Unmarshal(rec.Body.Bytes(), &body)
		if rec.Code != tc.code || body.Kind != tc.kind {
			t.Errorf("%s: expected %d/%s, got %d: %s", tc.tx, tc.code, tc.kind, rec.Code, rec.Body)
		}
		if tc.code == http.StatusServiceUnavailable && (!body.Retryable || rec.Header().Get("Retry-After") == "") {
			t.Errorf("%s: unavailable responses must be marked retryable", tc.tx)
		}
	}

	rec := api.do(t, http.MethodGet, "/api/v1/investments/missing", nil, nil, false)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	rec = api.do(t, http.MethodGet, "/api/v1/pools/INV-404", nil, nil, false)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown pool, got %d", rec.Code)
	}
}

func TestSweepAndReviews(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/settlements", nil, nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("sweep: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var report settlement.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil || report.Selected != 0 {
		t.Fatalf("unexpected report %s (%v)", rec.Body, err)
	}

	_ = api.reviews.Raise(context.Background(), review.Flag{
		Key:       "allocation:dep-1",
		Kind:      review.KindAllocation,
		Reference: "dep-1",
		Reason:    "record outcome unknown",
	})
	rec = api.do(t, http.MethodGet, "/api/v1/reviews", nil, nil, false)
	var flags struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &flags)
	if flags.Count != 1 {
		t.Fatalf("expected one flag, got %s", rec.Body)
	}

	rec = api.do(t, http.MethodPost, "/api/v1/reviews/allocation:dep-1/resolve", nil, nil, true)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("resolve: expected 204, got %d", rec.Code)
	}
	if list, _ := api.reviews.List(context.Background()); len(list) != 0 {
		t.Fatalf("flag should be resolved, got %+v", list)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/api/v1/health", nil, nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected a request id on the response")
	}

	rec = api.do(t, http.MethodGet, "/api/v1/metrics", nil, nil, false)
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte("voltsettle_")) {
		t.Fatalf("metrics: %d", rec.Code)
	}
}

func TestListPools(t *testing.T) {
	api := newTestAPI(t)
	api.deposits.set(txID(1), 100)
	if rec := api.invest(t, txID(1)); rec.Code != http.StatusCreated {
		t.Fatalf("invest: %d %s", rec.Code, rec.Body)
	}

	tests := []struct {
		query  string
		status int
		total  int
	}{
		{"", http.StatusOK, 1},
		{"?status=funded", http.StatusOK, 1},
		{"?status=fully_funded", http.StatusOK, 0},
		{"?status=funding&page=1&limit=5", http.StatusOK, 0},
		{"?status=closed", http.StatusBadRequest, 0},
		{"?page=zero", http.StatusBadRequest, 0},
		{"?limit=-1", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		rec := api.do(t, http.MethodGet, "/api/v1/pools"+tt.query, nil, nil, false)
		if rec.Code != tt.status {
			t.Fatalf("%q: expected %d, got %d: %s", tt.query, tt.status, rec.Code, rec.Body)
		}
		if tt.status != http.StatusOK {
			continue
		}
		var page ledger.PoolPage
		if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
			t.Fatalf("%q: decode: %v", tt.query, err)
		}
		if page.Total != tt.total || len(page.Items) != tt.total {
			t.Fatalf("%q: expected %d pools, got %+v", tt.query, tt.total, page)
		}
	}
}
