package webserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tejzpr/agentmart/internal/activity"
	"github.com/tejzpr/agentmart/internal/agent"
	"github.com/tejzpr/agentmart/internal/coffee"
	"github.com/tejzpr/agentmart/internal/config"
	"github.com/tejzpr/agentmart/internal/credit"
	"github.com/tejzpr/agentmart/internal/db"
	"github.com/tejzpr/agentmart/internal/giftcard"
	"github.com/tejzpr/agentmart/internal/lifecycle"
	"github.com/tejzpr/agentmart/internal/payment"
	"github.com/tejzpr/agentmart/internal/wallet"
)

const (
	testWebhookSecret = "whsec-test"
	testHookToken     = "hook-token"
	testAgentSecret   = "agent-secret"
	testAdminToken    = "admin-token"
)

type fakeLinks struct {
	mu    sync.Mutex
	calls []payment.LinkRequest
	err   error
}

func (f *fakeLinks) CreateLink(ctx context.Context, in payment.LinkRequest) (*payment.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in)
	if f.err != nil {
		return nil, f.err
	}
	return &payment.Link{URL: "https://pay.test/" + in.Slug, Slug: in.Slug}, nil
}

// fakeHook is an agent hook endpoint recording every FULFILL instruction.
type fakeHook struct {
	mu       sync.Mutex
	messages []string
	status   int
	srv      *httptest.Server
}

func newFakeHook(t *testing.T) *fakeHook {
	h := &fakeHook{status: http.StatusOK}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Message string `json:"message"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		h.mu.Lock()
		h.messages = append(h.messages, body.Message)
		status := h.status
		h.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *fakeHook) setStatus(code int) {
	h.mu.Lock()
	h.status = code
	h.mu.Unlock()
}

func (h *fakeHook) received() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.messages...)
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeNotifier) Notify(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

type fakeWallet struct {
	info *wallet.Info
	err  error
}

func (f *fakeWallet) Info(ctx context.Context) (*wallet.Info, error) {
	return f.info, f.err
}

type testEnv struct {
	cfg      *config.Config
	db       *gorm.DB
	lc       *lifecycle.Manager
	coffee   *coffee.Service
	links    *fakeLinks
	hook     *fakeHook
	notifier *fakeNotifier
	deps     Deps
	srv      *Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.PublicBaseURL = "http://backend.test"
	cfg.Auth = config.AuthConfig{DemoMode: true, DemoAdminToken: testAdminToken, AgentSharedSecret: testAgentSecret}
	cfg.Payment.WebhookSecret = testWebhookSecret
	cfg.RateLimit.PerSecond = 0

	d, err := db.Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}, false)
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(d); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	hook := newFakeHook(t)
	cfg.Agent.HookURL = hook.srv.URL
	cfg.Agent.HookToken = testHookToken
	cfg.Agent.Timeout = 2 * time.Second

	logger := zap.NewNop()
	act := activity.New(d, logger)
	lc := lifecycle.NewManager(d, nil, logger, cfg.DeliveryURL)
	coffeeSvc := coffee.NewService(d, cfg.Coffee, logger)
	env := &testEnv{
		cfg:      cfg,
		db:       d,
		lc:       lc,
		coffee:   coffeeSvc,
		links:    &fakeLinks{},
		hook:     hook,
		notifier: &fakeNotifier{},
	}
	env.deps = Deps{
		Config:    cfg,
		DB:        d,
		Lifecycle: lc,
		Activity:  act,
		Links:     env.links,
		Agent:     agent.NewClient(cfg.Agent, logger),
		Relay:     agent.NewRelayer(2*time.Second, logger),
		Coffee:    coffeeSvc,
		Credit:    credit.NewService(d, cfg.Credit, act, nil, nil, logger),
		GiftCards: giftcard.NewService(giftcard.NewClient(cfg.GiftCard, time.Second), coffeeSvc, cfg.GiftCard, logger),
		Wallet: &fakeWallet{info: &wallet.Info{
			Address:     "0xabc",
			USDCBalance: decimal.RequireFromString("12.5"),
			Network:     "Base",
		}},
		Notifier: env.notifier,
		Logger:   logger,
	}
	env.srv = New(env.deps)
	return env
}

// newServerWithLimit rebuilds the server with intake rate limiting enabled.
func newServerWithLimit(e *testEnv, perSecond float64, burst int) *Server {
	e.cfg.RateLimit.PerSecond = perSecond
	e.cfg.RateLimit.Burst = burst
	return New(e.deps)
}

func lifecycleNew(prompt string) lifecycle.NewRequest {
	return lifecycle.NewRequest{Prompt: prompt, Source: db.SourceHumanUI}
}

// syncRecorder is a flushable ResponseWriter safe to read while a stream
// handler is still writing.
type syncRecorder struct {
	mu     sync.Mutex
	header http.Header
	buf    strings.Builder
	code   int
}

func newSyncRecorder() *syncRecorder {
	return &syncRecorder{header: make(http.Header)}
}

func (r *syncRecorder) Header() http.Header { return r.header }

func (r *syncRecorder) WriteHeader(code int) {
	r.mu.Lock()
	r.code = code
	r.mu.Unlock()
}

func (r *syncRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

func (r *syncRecorder) Flush() {}

func (r *syncRecorder) body() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func (e *testEnv) webhook(t *testing.T, payload string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, http.MethodPost, "/payment-webhook", payload, map[string]string{
		payment.SignatureHeader: payment.Sign(testWebhookSecret, []byte(payload)),
		payment.EventHeader:     payment.EventPurchaseConfirmed,
	})
}

func confirmedPayload(slug, txHash string) string {
	return `{"event":"purchase.confirmed","purchaseId":"p-1","linkSlug":"` + slug +
		`","amount":"5.00","currency":"USDC","buyerWallet":"0xbuyer","txHash":"` + txHash + `"}`
}

// decodeData unwraps an ok envelope into dst.
func decodeData(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	var env struct {
		OK    bool            `json:"ok"`
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode envelope %q: %v", w.Body.String(), err)
	}
	if !env.OK {
		t.Fatalf("expected ok envelope, got error %q", env.Error)
	}
	if dst != nil {
		if err := json.Unmarshal(env.Data, dst); err != nil {
			t.Fatalf("failed to decode data: %v", err)
		}
	}
}

func errorOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode error body %q: %v", w.Body.String(), err)
	}
	return env.Error
}

// createPaid submits a paid prompt and returns the request row.
func (e *testEnv) createPaid(t *testing.T, prompt string) *db.Request {
	t.Helper()
	w := e.do(t, http.MethodPost, "/request", `{"prompt":`+quote(prompt)+`}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var v requestView
	decodeData(t, w, &v)
	req, err := e.lc.Get(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("failed to load request: %v", err)
	}
	if req.PaymentSlug == nil {
		t.Fatalf("expected a payment slug on %s request", req.Status)
	}
	return req
}

func quote(s string) string {
	raw, _ := json.Marshal(s)
	return string(raw)
}

var errUpstream = errors.New("upstream down")
