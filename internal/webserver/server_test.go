package webserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tejzpr/agentmart/internal/db"
	"github.com/tejzpr/agentmart/internal/oracle"
	"github.com/tejzpr/agentmart/internal/payment"
)

func TestFreePromptIsFulfilledInline(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/request", `{"prompt":"hi"}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var v requestView
	decodeData(t, w, &v)
	if v.Classification != oracle.Free || !v.PriceUSDC.IsZero() {
		t.Errorf("expected FREE at 0, got %s at %s", v.Classification, v.PriceUSDC)
	}
	if v.Status != db.StatusFulfilled {
		t.Errorf("expected FULFILLED, got %s", v.Status)
	}
	if v.Deliverable == nil || !strings.Contains(*v.Deliverable, "USDC") {
		t.Errorf("expected the canned greeting, got %v", v.Deliverable)
	}
	if len(env.links.calls) != 0 {
		t.Errorf("free request must not create a payment link")
	}
}

func TestHeavyPromptGetsPaymentLink(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/request",
		`{"prompt":"Please write a comprehensive research report comparing Solana vs Ethereum DeFi"}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var v requestView
	decodeData(t, w, &v)
	if v.Classification != oracle.PaidHeavy || v.PriceUSDC.String() != "0.75" {
		t.Errorf("expected PAID_HEAVY at 0.75, got %s at %s", v.Classification, v.PriceUSDC)
	}
	if v.Status != db.StatusLinkCreated {
		t.Errorf("expected LINK_CREATED, got %s", v.Status)
	}
	if v.PaymentLink == nil || *v.PaymentLink == "" {
		t.Fatal("expected payment link")
	}

	call := env.links.calls[0]
	if !strings.HasPrefix(call.Slug, "req-") {
		t.Errorf("expected minted slug, got %q", call.Slug)
	}
	if call.URL != "http://backend.test/json/"+v.ID {
		t.Errorf("expected delivery url as gated resource, got %q", call.URL)
	}
	if call.WebhookURL != "http://backend.test/payment-webhook" {
		t.Errorf("unexpected webhook url %q", call.WebhookURL)
	}
}

func TestCreateRequestValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := map[string]string{
		"malformed": `{"prompt":`,
		"empty":     `{"prompt":"   "}`,
		"too long":  `{"prompt":` + quote(strings.Repeat("a", 5001)) + `}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/request", body, nil)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
		})
	}
}

func TestPaymentLinkFailureFailsRequest(t *testing.T) {
	env := newTestEnv(t)
	env.links.err = errUpstream

	w := env.do(t, http.MethodPost, "/request", `{"prompt":"Can you analyze my startup idea?"}`, nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "upstream down") {
		t.Error("upstream error text must not leak to the caller")
	}

	failed, err := env.lc.ListByStatus(context.Background(), db.StatusFailed, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected the request to be FAILED, got %d failed rows", len(failed))
	}
}

func TestAgentRequestReturns402ForPaidPrompt(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/agent/request",
		`{"prompt":"What is the capital of France and how big is it?","callbackUrl":"https://caller.test/cb"}`, nil)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", w.Code, w.Body.String())
	}
	var body oracle.PaymentRequiredBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Classification != oracle.PaidMedium || body.Price != "$0.25 USDC" {
		t.Errorf("unexpected quote %s %s", body.Classification, body.Price)
	}
	if body.PaymentLink == "" || body.StatusURL != "http://backend.test/status/"+body.RequestID {
		t.Errorf("unexpected links %q %q", body.PaymentLink, body.StatusURL)
	}

	req, err := env.lc.Get(context.Background(), body.RequestID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if req.Source != db.SourceExternalAgent || req.CallbackURL == nil {
		t.Errorf("expected external agent source with callback, got %s %v", req.Source, req.CallbackURL)
	}
}

func TestAgentRequestFreeAnswer(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/agent/request", `{"prompt":"hello there"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var v requestView
	decodeData(t, w, &v)
	if v.Status != db.StatusFulfilled || v.Deliverable == nil {
		t.Errorf("expected inline answer, got %+v", v)
	}
}

func TestAgentRequestRejectsBadCallbackURL(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/agent/request", `{"prompt":"hello","callbackUrl":"ftp://x"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)
	req := env.createPaid(t, "Can you analyze my startup idea?")

	w := env.do(t, http.MethodGet, "/status/"+req.ID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var v statusView
	decodeData(t, w, &v)
	if v.ID != req.ID || v.Status != db.StatusLinkCreated || v.DeliveryURL == "" {
		t.Errorf("unexpected projection %+v", v)
	}

	w = env.do(t, http.MethodGet, "/status/missing", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if msg := errorOf(t, w); msg != "Not found" {
		t.Errorf("unexpected error %q", msg)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	req := env.createPaid(t, "Can you analyze my startup idea?")

	payload := confirmedPayload(*req.PaymentSlug, "0xtx")
	w := env.do(t, http.MethodPost, "/payment-webhook", payload, map[string]string{
		payment.SignatureHeader: payment.Sign("wrong-secret", []byte(payload)),
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	got, _ := env.lc.Get(context.Background(), req.ID)
	if got.Status != db.StatusLinkCreated || got.PaymentRef != nil {
		t.Errorf("request must be unchanged, got %s ref=%v", got.Status, got.PaymentRef)
	}
	if len(env.hook.received()) != 0 {
		t.Error("agent must not be invoked")
	}
}

func TestWebhookWithoutSecretIsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Payment.WebhookSecret = ""

	w := env.do(t, http.MethodPost, "/payment-webhook", `{}`, map[string]string{payment.SignatureHeader: "00"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestWebhookCoffeeOrder(t *testing.T) {
	env := newTestEnv(t)
	req := env.createPaid(t, "Buy me a coffee!")
	if req.Tier() != oracle.CoffeeOrder {
		t.Fatalf("expected COFFEE_ORDER, got %s", req.Tier())
	}

	w := env.webhook(t, confirmedPayload(*req.PaymentSlug, "0xtx1"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	got, _ := env.lc.Get(context.Background(), req.ID)
	if got.Status != db.StatusPaid {
		t.Errorf("expected PAID, got %s", got.Status)
	}
	if got.PaymentRef == nil || *got.PaymentRef != "0xtx1" {
		t.Errorf("expected payment ref 0xtx1, got %v", got.PaymentRef)
	}
	if got.FulfillDispatchedAt == nil {
		t.Error("expected dispatch to be stamped")
	}

	var orders []db.CoffeeOrder
	env.db.Find(&orders)
	if len(orders) != 1 || orders[0].Status != db.CoffeeQueued || *orders[0].RequestID != req.ID {
		t.Fatalf("expected one QUEUED coffee order for the request, got %+v", orders)
	}

	msgs := env.hook.received()
	if len(msgs) != 1 {
		t.Fatalf("expected one FULFILL instruction, got %d", len(msgs))
	}
	if !strings.Contains(msgs[0], "FULFILL REQUEST") || !strings.Contains(msgs[0], "Coffee order has been queued") {
		t.Errorf("instruction missing fulfill or coffee note: %s", msgs[0])
	}
	if env.notifier.count() != 1 {
		t.Errorf("expected owner notification, got %d", env.notifier.count())
	}
}

func TestWebhookReplayIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	req := env.createPaid(t, "Buy me a coffee!")

	first := env.webhook(t, confirmedPayload(*req.PaymentSlug, "0xfirst"))
	if first.Code != http.StatusOK {
		t.Fatalf("first delivery: %d", first.Code)
	}
	second := env.webhook(t, confirmedPayload(*req.PaymentSlug, "0xsecond"))
	if second.Code != http.StatusOK {
		t.Fatalf("replay: %d", second.Code)
	}

	got, _ := env.lc.Get(context.Background(), req.ID)
	if got.PaymentRef == nil || *got.PaymentRef != "0xfirst" {
		t.Errorf("payment ref must not change on replay, got %v", got.PaymentRef)
	}
	var count int64
	env.db.Model(&db.CoffeeOrder{}).Count(&count)
	if count != 1 {
		t.Errorf("expected one coffee order after replay, got %d", count)
	}
	if n := len(env.hook.received()); n != 1 {
		t.Errorf("agent must not be re-invoked after a successful hand-off, got %d calls", n)
	}
	if env.notifier.count() != 1 {
		t.Errorf("owner must be notified once, got %d", env.notifier.count())
	}
}

func TestWebhookRetriesFailedHandOff(t *testing.T) {
	env := newTestEnv(t)
	req := env.createPaid(t, "Can you analyze my startup idea?")
	env.hook.setStatus(http.StatusBadGateway)

	w := env.webhook(t, confirmedPayload(*req.PaymentSlug, "0xtx"))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	got, _ := env.lc.Get(context.Background(), req.ID)
	if got.Status != db.StatusPaid || got.FulfillDispatchedAt != nil {
		t.Fatalf("expected PAID without dispatch, got %s %v", got.Status, got.FulfillDispatchedAt)
	}

	env.hook.setStatus(http.StatusOK)
	w = env.webhook(t, confirmedPayload(*req.PaymentSlug, "0xtx"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on retry, got %d", w.Code)
	}
	got, _ = env.lc.Get(context.Background(), req.ID)
	if got.FulfillDispatchedAt == nil {
		t.Error("expected dispatch stamped after retry")
	}
	if n := len(env.hook.received()); n != 2 {
		t.Errorf("expected two hand-off attempts, got %d", n)
	}
}

func TestWebhookEdgeCases(t *testing.T) {
	env := newTestEnv(t)

	sign := func(payload, event string) map[string]string {
		h := map[string]string{payment.SignatureHeader: payment.Sign(testWebhookSecret, []byte(payload))}
		if event != "" {
			h[payment.EventHeader] = event
		}
		return h
	}

	tests := map[string]struct {
		payload string
		event   string
		code    int
	}{
		"ignored event":  {`{"linkSlug":"req-x"}`, "purchase.refunded", http.StatusOK},
		"missing slug":   {`{"event":"purchase.confirmed"}`, "", http.StatusBadRequest},
		"unknown slug":   {`{"event":"purchase.confirmed","linkSlug":"req-nope"}`, "", http.StatusNotFound},
		"malformed json": {`{"event":`, "", http.StatusBadRequest},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/1ly/payment-webhook", tc.payload, sign(tc.payload, tc.event))
			if w.Code != tc.code {
				t.Fatalf("expected %d, got %d: %s", tc.code, w.Code, w.Body.String())
			}
		})
	}
}

func TestCreditSponsorFlow(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/credit/sponsor", `{"message":"keep going"}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var v requestView
	decodeData(t, w, &v)
	if v.Classification != oracle.CreditSponsor || !v.PriceUSDC.Equal(env.cfg.Credit.SponsorAmount) {
		t.Fatalf("unexpected sponsorship quote %+v", v)
	}

	req, _ := env.lc.Get(context.Background(), v.ID)
	for i := 0; i < 2; i++ {
		if w := env.webhook(t, confirmedPayload(*req.PaymentSlug, "0xsponsor")); w.Code != http.StatusOK {
			t.Fatalf("webhook %d: %d %s", i, w.Code, w.Body.String())
		}
	}

	w = env.do(t, http.MethodGet, "/credit/state", "", nil)
	var st db.CreditState
	decodeData(t, w, &st)
	if !st.CreditBalanceUSDC.Equal(env.cfg.Credit.SponsorAmount) {
		t.Errorf("expected balance credited once, got %s", st.CreditBalanceUSDC)
	}
}

func TestStoreJSONRequiresAgentToken(t *testing.T) {
	env := newTestEnv(t)
	req := env.createPaid(t, "Can you analyze my startup idea?")
	if w := env.webhook(t, confirmedPayload(*req.PaymentSlug, "0xtx")); w.Code != http.StatusOK {
		t.Fatalf("webhook: %d", w.Code)
	}

	w := env.do(t, http.MethodPost, "/json/"+req.ID, `{"answer":"forged"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	w = env.do(t, http.MethodPost, "/json/"+req.ID, `{"answer":"forged"}`, map[string]string{"Authorization": "Bearer wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong token, got %d", w.Code)
	}

	got, _ := env.lc.Get(context.Background(), req.ID)
	if got.JSONAnswer != nil || got.Status != db.StatusPaid {
		t.Fatalf("answer must be unchanged, got %v %s", got.JSONAnswer, got.Status)
	}

	w = env.do(t, http.MethodGet, "/json/"+req.ID, "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before the answer is stored, got %d", w.Code)
	}
}

func TestStoreAndServeJSONAnswer(t *testing.T) {
	env := newTestEnv(t)
	relayed := make(chan string, 1)
	cb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var out struct {
			Status string `json:"status"`
		}
		json.NewDecoder(r.Body).Decode(&out)
		relayed <- out.Status
	}))
	defer cb.Close()

	w := env.do(t, http.MethodPost, "/agent/request",
		`{"prompt":"Can you analyze my startup idea?","callbackUrl":`+quote(cb.URL)+`}`, nil)
	var body oracle.PaymentRequiredBody
	json.Unmarshal(w.Body.Bytes(), &body)
	req, _ := env.lc.Get(context.Background(), body.RequestID)
	if w := env.webhook(t, confirmedPayload(*req.PaymentSlug, "0xtx")); w.Code != http.StatusOK {
		t.Fatalf("webhook: %d", w.Code)
	}

	auth := map[string]string{"Authorization": "Bearer " + testHookToken}
	w = env.do(t, http.MethodPost, "/json/"+req.ID, `{"answer":"first"}`, auth)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	select {
	case status := <-relayed:
		if status != string(db.StatusFulfilled) {
			t.Errorf("expected FULFILLED relay, got %s", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected outcome relayed to callback url")
	}

	w = env.do(t, http.MethodPost, "/json/"+req.ID, `{"answer":"second"}`, auth)
	if w.Code != http.StatusOK {
		t.Fatalf("expected idempotent 200, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/json/"+req.ID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != `{"answer":"first"}` {
		t.Errorf("expected first answer kept, got %s", w.Body.String())
	}
}

func TestStoreJSONRejectsInvalidBody(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/json/any", `not json`, map[string]string{"Authorization": "Bearer " + testHookToken})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestFulfillRequiresTrustedCaller(t *testing.T) {
	env := newTestEnv(t)
	req := env.createPaid(t, "Can you analyze my startup idea?")
	env.webhook(t, confirmedPayload(*req.PaymentSlug, "0xtx"))

	body := `{"deliverable":"done","paymentRef":"ref-2"}`
	if w := env.do(t, http.MethodPost, "/fulfill/"+req.ID, body, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	w := env.do(t, http.MethodPost, "/fulfill/"+req.ID, body, map[string]string{"X-Agent-Secret": testAgentSecret})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	got, _ := env.lc.Get(context.Background(), req.ID)
	if got.Status != db.StatusFulfilled || *got.Deliverable != "done" {
		t.Errorf("unexpected row %s %v", got.Status, got.Deliverable)
	}
	if *got.PaymentRef != "0xtx" {
		t.Errorf("payment ref must be kept, got %s", *got.PaymentRef)
	}
}

func TestFulfillRejectsUnpaidRequest(t *testing.T) {
	env := newTestEnv(t)
	req := env.createPaid(t, "Can you analyze my startup idea?")

	w := env.do(t, http.MethodPost, "/fulfill/"+req.ID, `{"deliverable":"done"}`,
		map[string]string{"Authorization": "Bearer " + testAdminToken})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAdminTokenOnlyInDemoMode(t *testing.T) {
	env := newTestEnv(t)
	admin := map[string]string{"Authorization": "Bearer " + testAdminToken}

	if w := env.do(t, http.MethodGet, "/agent/pending", "", admin); w.Code != http.StatusOK {
		t.Fatalf("expected 200 in demo mode, got %d", w.Code)
	}
	env.cfg.Auth.DemoMode = false
	if w := env.do(t, http.MethodGet, "/agent/pending", "", admin); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 outside demo mode, got %d", w.Code)
	}
	secret := map[string]string{"X-Agent-Secret": testAgentSecret}
	if w := env.do(t, http.MethodGet, "/agent/paid", "", secret); w.Code != http.StatusOK {
		t.Fatalf("expected agent secret to be trusted, got %d", w.Code)
	}
}

func TestAgentPendingListsOldestFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, p := range []string{"first", "second"} {
		if _, err := env.lc.Create(ctx, lifecycleNew(p)); err != nil {
			t.Fatalf("create: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	w := env.do(t, http.MethodGet, "/agent/pending", "", map[string]string{"X-Agent-Secret": testAgentSecret})
	var out struct {
		Requests []db.Request `json:"requests"`
	}
	decodeData(t, w, &out)
	if len(out.Requests) != 2 || out.Requests[0].Prompt != "first" {
		t.Fatalf("expected oldest first, got %+v", out.Requests)
	}
}

func TestAgentCallback(t *testing.T) {
	env := newTestEnv(t)
	req := env.createPaid(t, "Can you analyze my startup idea?")
	env.webhook(t, confirmedPayload(*req.PaymentSlug, "0xtx"))

	body := `{"requestId":"` + req.ID + `","status":"FULFILLED","answer":"here you go"}`
	if w := env.do(t, http.MethodPost, "/agent/callback", body, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	w := env.do(t, http.MethodPost, "/agent/callback", body, map[string]string{"Authorization": "Bearer " + testHookToken})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	got, _ := env.lc.Get(context.Background(), req.ID)
	if got.Status != db.StatusFulfilled || *got.Deliverable != "here you go" {
		t.Errorf("unexpected row %s %v", got.Status, got.Deliverable)
	}

	bad := `{"requestId":"` + req.ID + `","status":"LINK_CREATED"}`
	if w := env.do(t, http.MethodPost, "/agent/callback", bad, map[string]string{"Authorization": "Bearer " + testHookToken}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported status, got %d", w.Code)
	}
}

func TestAgentStore(t *testing.T) {
	env := newTestEnv(t)
	secret := map[string]string{"X-Agent-Secret": testAgentSecret}

	if w := env.do(t, http.MethodPost, "/agent/store", `{"id":"s-1"}`, secret); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	w := env.do(t, http.MethodPost, "/agent/store", `{"id":"s-1","username":"shop"}`, secret)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var st db.AgentState
	if err := env.db.First(&st, "id = ?", db.PrimaryAgentID).Error; err != nil {
		t.Fatalf("expected agent state row: %v", err)
	}
	if st.StoreUsername != "shop" {
		t.Errorf("expected username shop, got %q", st.StoreUsername)
	}
}

func TestWalletAndHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/wallet", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var info map[string]any
	json.Unmarshal(w.Body.Bytes(), &info)
	if info["address"] != "0xabc" || info["usdc_balance"] != "12.5" {
		t.Errorf("unexpected wallet doc %v", info)
	}

	env.srv.wallet = nil
	if w := env.do(t, http.MethodGet, "/wallet", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without wallet, got %d", w.Code)
	}

	if w := env.do(t, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/metrics", "", nil); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "agentmart_http_requests_total") {
		t.Fatalf("expected metrics exposition, got %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodOptions, "/request", "", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS header")
	}
}

func TestRateLimitOnIntake(t *testing.T) {
	env := newTestEnv(t)
	env.srv = newServerWithLimit(env, 1, 1)

	if w := env.do(t, http.MethodPost, "/request", `{"prompt":"hi"}`, nil); w.Code != http.StatusCreated {
		t.Fatalf("first request: %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/request", `{"prompt":"hi"}`, nil); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Fatalf("non-intake routes are not limited, got %d", w.Code)
	}
}

func TestDashboardStream(t *testing.T) {
	env := newTestEnv(t)
	env.srv.pingInterval = 20 * time.Millisecond
	if _, err := env.lc.Create(context.Background(), lifecycleNew("earlier")); err != nil {
		t.Fatalf("create: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/dashboard/stream", nil).WithContext(ctx)
	w := newSyncRecorder()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		env.srv.Handler().ServeHTTP(w, req)
	}()

	waitFor(t, func() bool { return strings.Contains(w.body(), "event: init") })
	if _, err := env.lc.Create(context.Background(), lifecycleNew("later")); err != nil {
		t.Fatalf("create: %v", err)
	}
	waitFor(t, func() bool { return strings.Contains(w.body(), "event: request") })
	waitFor(t, func() bool { return strings.Contains(w.body(), "event: ping") })

	cancel()
	wg.Wait()

	out := w.body()
	if !strings.Contains(out, "earlier") {
		t.Error("init snapshot should include existing requests")
	}
	if !strings.Contains(out, "later") {
		t.Error("expected the new request to be streamed")
	}
}
