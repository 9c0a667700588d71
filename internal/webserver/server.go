// Package webserver is the HTTP surface of the backend: request intake, the
// payment webhook, agent delivery routes, the side queues and the dashboard
// stream.
package webserver

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
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

type LinkCreator interface {
	CreateLink(ctx context.Context, in payment.LinkRequest) (*payment.Link, error)
}

type Dispatcher interface {
	DispatchFulfill(ctx context.Context, req *db.Request) error
}

type Relayer interface {
	Relay(ctx context.Context, callbackURL string, out agent.Outcome) error
}

type Notifier interface {
	Notify(ctx context.Context, text string) error
}

type WalletInfo interface {
	Info(ctx context.Context) (*wallet.Info, error)
}

// Deps are the collaborators of the server. Notifier and Wallet may be nil
// when Telegram or the chain wallet are not configured.
type Deps struct {
	Config    *config.Config
	DB        *gorm.DB
	Lifecycle *lifecycle.Manager
	Activity  *activity.Log
	Links     LinkCreator
	Agent     Dispatcher
	Relay     Relayer
	Coffee    *coffee.Service
	Credit    *credit.Service
	GiftCards *giftcard.Service
	Wallet    WalletInfo
	Notifier  Notifier
	Logger    *zap.Logger
}

type Server struct {
	cfg       *config.Config
	db        *gorm.DB
	lifecycle *lifecycle.Manager
	activity  *activity.Log
	links     LinkCreator
	agent     Dispatcher
	relay     Relayer
	coffee    *coffee.Service
	credit    *credit.Service
	giftcards *giftcard.Service
	wallet    WalletInfo
	notifier  Notifier
	logger    *zap.Logger

	metrics      *Metrics
	limiter      *RateLimiter
	pingInterval time.Duration
	handler      http.Handler
}

func New(d Deps) *Server {
	logger := d.Logger.Named("http")
	s := &Server{
		cfg:          d.Config,
		db:           d.DB,
		lifecycle:    d.Lifecycle,
		activity:     d.Activity,
		links:        d.Links,
		agent:        d.Agent,
		relay:        d.Relay,
		coffee:       d.Coffee,
		credit:       d.Credit,
		giftcards:    d.GiftCards,
		wallet:       d.Wallet,
		notifier:     d.Notifier,
		logger:       logger,
		metrics:      NewMetrics(),
		limiter:      NewRateLimiter(d.Config.RateLimit.PerSecond, d.Config.RateLimit.Burst, logger),
		pingInterval: 15 * time.Second,
	}
	s.handler = s.instrument(corsMiddleware(s.routes()))
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("OPTIONS /", handleCORS)

	// Intake
	mux.HandleFunc("POST /request", s.limiter.Handler(s.handleCreateRequest))
	mux.HandleFunc("POST /agent/request", s.limiter.Handler(s.handleAgentRequest))
	mux.HandleFunc("GET /status/{id}", s.handleStatus)

	// Payment
	mux.HandleFunc("POST /payment-webhook", s.handlePaymentWebhook)
	mux.HandleFunc("POST /1ly/payment-webhook", s.handlePaymentWebhook)

	// Delivery
	mux.HandleFunc("POST /agent/callback", s.requireAgent(s.handleAgentCallback))
	mux.HandleFunc("GET /json/{id}", s.handleGetJSON)
	mux.HandleFunc("POST /json/{id}", s.handleStoreJSON)
	mux.HandleFunc("POST /fulfill/{id}", s.requireTrusted(s.handleFulfill))
	mux.HandleFunc("GET /agent/pending", s.requireTrusted(s.handleListByStatus(db.StatusNew, 10)))
	mux.HandleFunc("GET /agent/paid", s.requireTrusted(s.handleListByStatus(db.StatusPaid, 5)))
	mux.HandleFunc("POST /agent/store", s.requireTrusted(s.handleAgentStore))

	// Coffee
	mux.HandleFunc("POST /coffee/quote", s.requireTrusted(s.handleCoffeeQuote))
	mux.HandleFunc("POST /coffee/queue", s.requireTrusted(s.handleCoffeeQueue))
	mux.HandleFunc("POST /coffee/execute", s.handleCoffeeExecute)
	mux.HandleFunc("POST /coffee/callback", s.requireTrusted(s.handleCoffeeCallback))
	mux.HandleFunc("POST /coffee/track", s.requireTrusted(s.handleCoffeeTrack))
	mux.HandleFunc("POST /coffee/can-execute", s.requireTrusted(s.handleCoffeeCanExecute))
	mux.HandleFunc("POST /coffee/notify", s.requireTrusted(s.handleCoffeeNotify))

	// Credit and wallet
	mux.HandleFunc("GET /credit/state", s.handleCreditState)
	mux.HandleFunc("POST /credit/usage", s.requireAgent(s.handleCreditUsage))
	mux.HandleFunc("GET /credit/auto-buy", s.requireAgent(s.handleAutoBuyCheck))
	mux.HandleFunc("POST /credit/auto-buy", s.requireAgent(s.handleAutoBuy))
	mux.HandleFunc("POST /credit/sponsor", s.limiter.Handler(s.handleCreditSponsor))
	mux.HandleFunc("GET /wallet", s.handleWallet)
	mux.HandleFunc("GET /reward/giftcard", s.handleGiftCardCatalog)
	mux.HandleFunc("POST /reward/giftcard", s.handleGiftCardPurchase)

	// Dashboard
	mux.HandleFunc("GET /dashboard/stream", s.handleStream)
	mux.HandleFunc("GET /activity", s.handleActivity)

	return mux
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.cfg.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown http server")
	}
	s.logger.Info("http server stopped")
	return nil
}

// handlerContext bounds a handler's outbound work.
func (s *Server) handlerContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.cfg.HandlerTimeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), s.cfg.HandlerTimeout)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ok(w, http.StatusOK, map[string]string{"status": "ok"})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Agent-Secret")
		next.ServeHTTP(w, r)
	})
}

func handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
