package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tejzpr/agentmart/internal/activity"
	"github.com/tejzpr/agentmart/internal/agent"
	"github.com/tejzpr/agentmart/internal/coffee"
	"github.com/tejzpr/agentmart/internal/config"
	"github.com/tejzpr/agentmart/internal/credit"
	"github.com/tejzpr/agentmart/internal/db"
	"github.com/tejzpr/agentmart/internal/giftcard"
	"github.com/tejzpr/agentmart/internal/handler"
	"github.com/tejzpr/agentmart/internal/lifecycle"
	"github.com/tejzpr/agentmart/internal/logger"
	"github.com/tejzpr/agentmart/internal/notify"
	"github.com/tejzpr/agentmart/internal/payment"
	"github.com/tejzpr/agentmart/internal/scheduler"
	"github.com/tejzpr/agentmart/internal/wallet"
	"github.com/tejzpr/agentmart/internal/webserver"
)

const version = "1.0.0"

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "agentmart",
		Short:         "Pay-per-request backend for an autonomous merchant agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP backend and its scheduled jobs",
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or update the database schema",
			RunE: func(cmd *cobra.Command, args []string) error {
				return migrate(configPath)
			},
		},
		mcpCmd(&configPath),
	)
	return root
}

func mcpCmd(configPath *string) *cobra.Command {
	var (
		backend string
		wait    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the submit_prompt tool over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if backend == "" {
				backend = cfg.PublicBaseURL
			}
			// stdout carries the protocol, so logs go to stderr only
			log, err := logger.New("production", cfg.LogLevel)
			if err != nil {
				return err
			}
			defer log.Sync()

			submitter := handler.NewSubmitter(webserver.NewRemoteClient(backend, cfg.HandlerTimeout, 0), wait, log)
			s := server.NewMCPServer(
				"agentmart",
				version,
				server.WithToolCapabilities(false),
			)
			s.AddTool(submitter.Tool(), submitter.Handle)
			return server.ServeStdio(s)
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "", "backend base URL (defaults to public_base_url)")
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Minute, "how long wait_for_payment blocks")
	return cmd
}

func setup(configPath string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.LogMode, cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func migrate(configPath string) error {
	cfg, log, err := setup(configPath)
	if err != nil {
		return err
	}
	defer log.Sync()

	d, err := db.Open(cfg.Database, cfg.LogLevel == "debug")
	if err != nil {
		return err
	}
	if err := db.Migrate(d); err != nil {
		return err
	}
	log.Info("database migrated", zap.String("driver", cfg.Database.Driver))
	return nil
}

func serve(ctx context.Context, configPath string) error {
	cfg, log, err := setup(configPath)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := db.Open(cfg.Database, cfg.LogLevel == "debug")
	if err != nil {
		return err
	}
	if err := db.Migrate(d); err != nil {
		return err
	}

	act := activity.New(d, log)
	lc := lifecycle.NewManager(d, nil, log, cfg.DeliveryURL)
	coffeeSvc := coffee.NewService(d, cfg.Coffee, log)

	deps := webserver.Deps{
		Config:    cfg,
		DB:        d,
		Lifecycle: lc,
		Activity:  act,
		Links:     payment.NewClient(cfg.Payment, log),
		Agent:     agent.NewClient(cfg.Agent, log),
		Relay:     agent.NewRelayer(cfg.Agent.Timeout, log),
		Coffee:    coffeeSvc,
		GiftCards: giftcard.NewService(giftcard.NewClient(cfg.GiftCard, cfg.HandlerTimeout), coffeeSvc, cfg.GiftCard, log),
		Logger:    log,
	}

	var (
		creditWallet credit.Wallet
		charger      credit.Charger
	)
	w, err := wallet.Dial(ctx, cfg.Wallet, log)
	switch {
	case err == nil:
		deps.Wallet = w
		creditWallet = w
	case errors.Is(err, wallet.ErrNotConfigured):
		log.Info("wallet not configured; /wallet and auto-buy are disabled")
	default:
		log.Warn("wallet unavailable", zap.Error(err))
	}
	if cfg.Credit.OpenRouterAPIKey != "" {
		charger = credit.NewOpenRouter(cfg.Credit.OpenRouterBaseURL, cfg.Credit.OpenRouterAPIKey, cfg.Wallet.ChainID, cfg.HandlerTimeout)
	}
	deps.Credit = credit.NewService(d, cfg.Credit, act, creditWallet, charger, log)

	tg, err := notify.NewTelegram(cfg.Telegram, log)
	switch {
	case err == nil:
		deps.Notifier = tg
	case errors.Is(err, notify.ErrNotConfigured):
		log.Info("telegram not configured; owner notifications are disabled")
	default:
		return err
	}

	sched, err := scheduler.New(cfg.Lifecycle, lc, scheduler.Resetters{coffeeSvc, deps.Credit}, log)
	if err != nil {
		return err
	}
	srv := webserver.New(deps)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		return sched.Run(gctx)
	})
	return g.Wait()
}
