package webserver

import (
	"net/http"
	"testing"

	"github.com/tejzpr/agentmart/internal/db"
)

func TestCoffeeQueueAndExecute(t *testing.T) {
	env := newTestEnv(t)
	secret := map[string]string{"X-Agent-Secret": testAgentSecret}
	order := `{"orderText":"Flat white, oat milk","estimatedCostUsdc":4.5,"finalPriceUsdc":"5"}`

	if w := env.do(t, http.MethodPost, "/coffee/queue", order, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for anonymous queue, got %d", w.Code)
	}

	w := env.do(t, http.MethodPost, "/coffee/queue", order, secret)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var queued struct {
		ID     string          `json:"id"`
		Status db.CoffeeStatus `json:"status"`
	}
	decodeData(t, w, &queued)
	if queued.Status != db.CoffeeQueued {
		t.Fatalf("expected QUEUED, got %s", queued.Status)
	}

	w = env.do(t, http.MethodPost, "/coffee/can-execute", "", secret)
	var can struct {
		CanExecute bool `json:"canExecute"`
	}
	decodeData(t, w, &can)
	if !can.CanExecute {
		t.Fatal("expected a fresh window to allow execution")
	}

	w = env.do(t, http.MethodPost, "/coffee/execute", "", secret)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var exec struct {
		CoffeeOrderID string          `json:"coffeeOrderId"`
		Status        db.CoffeeStatus `json:"status"`
	}
	decodeData(t, w, &exec)
	if exec.CoffeeOrderID != queued.ID || exec.Status != db.CoffeeExecuting {
		t.Fatalf("unexpected execution %+v", exec)
	}

	// the batch window is now closed
	if w := env.do(t, http.MethodPost, "/coffee/execute", "", secret); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 inside the batch window, got %d", w.Code)
	}
}

func TestCoffeeProgressRejectsRegression(t *testing.T) {
	env := newTestEnv(t)
	secret := map[string]string{"X-Agent-Secret": testAgentSecret}

	w := env.do(t, http.MethodPost, "/coffee/queue", `{"orderText":"Cortado","estimatedCostUsdc":4,"finalPriceUsdc":5}`, secret)
	var queued struct {
		ID string `json:"id"`
	}
	decodeData(t, w, &queued)

	track := `{"coffeeOrderId":"` + queued.ID + `","delivered":false}`
	if w := env.do(t, http.MethodPost, "/coffee/track", track, secret); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a queued order, got %d: %s", w.Code, w.Body.String())
	}

	if w := env.do(t, http.MethodPost, "/coffee/execute", "", secret); w.Code != http.StatusOK {
		t.Fatalf("execute: %d %s", w.Code, w.Body.String())
	}
	delivered := `{"coffeeOrderId":"` + queued.ID + `","status":"DELIVERED"}`
	for i := 0; i < 2; i++ {
		if w := env.do(t, http.MethodPost, "/coffee/callback", delivered, secret); w.Code != http.StatusOK {
			t.Fatalf("callback %d: expected 200, got %d: %s", i, w.Code, w.Body.String())
		}
	}
	if w := env.do(t, http.MethodPost, "/coffee/track", track, secret); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a delivered order, got %d", w.Code)
	}

	var order db.CoffeeOrder
	if err := env.db.First(&order, "id = ?", queued.ID).Error; err != nil {
		t.Fatalf("load order: %v", err)
	}
	if order.Status != db.CoffeeDelivered {
		t.Errorf("expected DELIVERED to stick, got %s", order.Status)
	}
	var entries int64
	env.db.Model(&db.ActivityLog{}).Where("message = ?", "Coffee order DELIVERED").Count(&entries)
	if entries != 1 {
		t.Errorf("expected one delivery activity entry, got %d", entries)
	}
}

func TestCoffeeExecuteForceNeedsAdmin(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/coffee/execute", `{"force":true}`, map[string]string{"X-Agent-Secret": testAgentSecret})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/coffee/execute", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/coffee/execute", `{"force":true}`, map[string]string{"Authorization": "Bearer " + testAdminToken})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with nothing queued, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCoffeeQuoteValidation(t *testing.T) {
	env := newTestEnv(t)
	secret := map[string]string{"X-Agent-Secret": testAgentSecret}

	tests := map[string]string{
		"short text":      `{"orderText":"ab","estimatedCostUsdc":1,"finalPriceUsdc":1}`,
		"zero price":      `{"orderText":"Latte","estimatedCostUsdc":1,"finalPriceUsdc":0}`,
		"unknown sponsor": `{"orderText":"Latte","estimatedCostUsdc":1,"finalPriceUsdc":1,"sponsorType":"robot"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if w := env.do(t, http.MethodPost, "/coffee/quote", body, secret); w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
		})
	}

	w := env.do(t, http.MethodPost, "/coffee/quote", `{"orderText":"Latte","estimatedCostUsdc":1,"finalPriceUsdc":1}`, secret)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var count int64
	env.db.Model(&db.CoffeeOrder{}).Count(&count)
	if count != 0 {
		t.Errorf("a quote must not queue an order, got %d", count)
	}
}

func TestCreditUsageRequiresAgentToken(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, http.MethodPost, "/credit/usage", `{"tokens":100}`, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	auth := map[string]string{"Authorization": "Bearer " + testHookToken}
	if w := env.do(t, http.MethodPost, "/credit/usage", `{"tokens":0}`, auth); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero tokens, got %d", w.Code)
	}
	w := env.do(t, http.MethodPost, "/credit/usage", `{"tokens":120}`, auth)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var st db.CreditState
	decodeData(t, w, &st)
	if st.TokensSinceLastPurchase != 120 {
		t.Errorf("expected 120 tokens, got %d", st.TokensSinceLastPurchase)
	}
}
