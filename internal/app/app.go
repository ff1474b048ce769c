// Package app assembles the billing service from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/feedbox/billing/internal/checkout"
	"github.com/feedbox/billing/internal/config"
	"github.com/feedbox/billing/internal/db"
	"github.com/feedbox/billing/internal/entitlement"
	"github.com/feedbox/billing/internal/gateway"
	"github.com/feedbox/billing/internal/gateway/asaas"
	"github.com/feedbox/billing/internal/gateway/mercadopago"
	"github.com/feedbox/billing/internal/gateway/stripe"
	"github.com/feedbox/billing/internal/http/api/admin"
	"github.com/feedbox/billing/internal/http/api/front"
	"github.com/feedbox/billing/internal/http/api/middleware"
	"github.com/feedbox/billing/internal/http/api/webhooks"
	"github.com/feedbox/billing/internal/provisioning"
	"github.com/feedbox/billing/internal/ratelimit"
	"github.com/feedbox/billing/internal/subscription"
	"github.com/feedbox/billing/internal/webhook"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

// Service holds the wired components of the billing service.
type Service struct {
	Config config.BillingConfig
	DB     *gorm.DB

	Gateways      *gateway.Registry
	Subscriptions *subscription.Manager
	Entitlements  *entitlement.Resolver
	Webhooks      *webhook.Reconciler
	Checkout      *checkout.Orchestrator
	Saga          *provisioning.Saga
	Provisioning  *provisioning.Reconciler
	Sweeper       *subscription.Sweeper
	RateLimiter   *ratelimit.Manager
}

// New wires every component on top of an open, migrated database.
func New(conn *gorm.DB, cfg config.BillingConfig) *Service {
	gateways := buildGateways(cfg.Gateways)
	subscriptions := subscription.NewManager(conn, gateways, cfg.Gateways.Timeout, cfg.Subscriptions.CancelGrace)
	reconciler := webhook.NewReconciler(conn, gateways, subscriptions, buildVerifiers(cfg.Gateways))

	prov := cfg.Provisioning
	dns := provisioning.NewCloudflare(provisioning.CloudflareConfig{
		BaseURL:  prov.Cloudflare.BaseURL,
		APIToken: prov.Cloudflare.APIToken,
		ZoneID:   prov.Cloudflare.ZoneID,
		Proxied:  prov.Cloudflare.Proxied,
		Timeout:  prov.Timeout,
	})
	hosting := provisioning.NewVercel(provisioning.VercelConfig{
		BaseURL:   prov.Vercel.BaseURL,
		APIToken:  prov.Vercel.APIToken,
		ProjectID: prov.Vercel.ProjectID,
		TeamID:    prov.Vercel.TeamID,
		Timeout:   prov.Timeout,
	})
	saga := provisioning.NewSaga(conn, dns, hosting, subscriptions, provisioning.Config{
		RootDomain: prov.RootDomain,
		Target:     prov.Target,
		Timeout:    prov.Timeout,
		TrialDays:  cfg.Subscriptions.TrialDays,
		Reserved:   prov.Reserved,
	})

	return &Service{
		Config:        cfg,
		DB:            conn,
		Gateways:      gateways,
		Subscriptions: subscriptions,
		Entitlements:  entitlement.NewResolver(subscriptions),
		Webhooks:      reconciler,
		Checkout:      checkout.NewOrchestrator(conn, gateways, subscriptions, reconciler),
		Saga:          saga,
		Provisioning:  provisioning.NewReconciler(saga, cfg.Workers.ReconcileInterval, prov.StaleAfter),
		Sweeper:       subscription.NewSweeper(subscriptions, cfg.Workers.SweepInterval),
		RateLimiter:   ratelimit.NewManager(ratelimit.StaticSettings(ratelimit.SettingsFromConfig(cfg.RateLimit)), nil, nil),
	}
}

// buildGateways registers every gateway with credentials configured.
func buildGateways(cfg config.GatewaysConfig) *gateway.Registry {
	var adapters []gateway.Gateway
	if strings.TrimSpace(cfg.Asaas.APIKey) != "" {
		adapters = append(adapters, asaas.New(asaas.Config{
			BaseURL: cfg.Asaas.BaseURL,
			APIKey:  cfg.Asaas.APIKey,
			Timeout: cfg.Timeout,
		}))
	}
	if strings.TrimSpace(cfg.MercadoPago.AccessToken) != "" {
		adapters = append(adapters, mercadopago.New(mercadopago.Config{
			BaseURL:     cfg.MercadoPago.BaseURL,
			AccessToken: cfg.MercadoPago.AccessToken,
			SuccessURL:  cfg.MercadoPago.SuccessURL,
			Timeout:     cfg.Timeout,
		}))
	}
	if strings.TrimSpace(cfg.Stripe.APIKey) != "" {
		adapters = append(adapters, stripe.New(stripe.Config{
			APIKey:     cfg.Stripe.APIKey,
			SuccessURL: cfg.Stripe.SuccessURL,
			CancelURL:  cfg.Stripe.CancelURL,
			Currency:   cfg.Stripe.Currency,
			Timeout:    cfg.Timeout,
		}))
	}
	registry := gateway.NewRegistry(cfg.Default, adapters...)
	if _, errDefault := registry.Default(); errDefault != nil {
		log.WithField("gateway", cfg.Default).Warn("default gateway has no credentials; checkout requires an explicit gateway")
	}
	return registry
}

// buildVerifiers returns one webhook verifier per gateway. A verifier without a
// secret rejects every delivery.
func buildVerifiers(cfg config.GatewaysConfig) map[string]webhook.Verifier {
	return map[string]webhook.Verifier{
		asaas.Name:       webhook.SharedSecretVerifier{Header: asaas.WebhookHeader, Secret: cfg.Asaas.WebhookToken},
		mercadopago.Name: webhook.SignatureVerifier{Secret: cfg.MercadoPago.WebhookSecret},
		stripe.Name:      webhook.StripeVerifier{Secret: cfg.Stripe.WebhookSecret},
	}
}

// Router builds the HTTP engine with every route group registered.
func (s *Service) Router() *gin.Engine {
	if !s.Config.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.RequestID(), middleware.RequestLogger())

	admin.RegisterAdminRoutes(engine, admin.Deps{
		DB:            s.DB,
		JWT:           s.Config.JWT,
		Subscriptions: s.Subscriptions,
		Saga:          s.Saga,
	})
	front.RegisterFrontRoutes(engine, front.Deps{
		DB:            s.DB,
		JWT:           s.Config.JWT,
		Subscriptions: s.Subscriptions,
		Entitlements:  s.Entitlements,
		Checkout:      s.Checkout,
		RateLimiter:   s.RateLimiter,
	})
	webhooks.RegisterWebhookRoutes(engine, s.Webhooks, s.RateLimiter)
	return engine
}

// ConfigureLogging applies the level and formatter from the server settings.
func ConfigureLogging(cfg config.ServerConfig) {
	log.SetOutput(os.Stdout)
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
	if strings.EqualFold(strings.TrimSpace(cfg.LogFormat), "json") {
		log.SetFormatter(&log.JSONFormatter{})
		return
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
}

// open loads configuration, opens the database and runs migrations.
func open(cfg config.AppConfig) (*Service, error) {
	billingCfg, err := config.LoadBillingConfig(config.ResolveConfigPath(cfg.ConfigPath))
	if err != nil {
		return nil, err
	}
	ConfigureLogging(billingCfg.Server)

	dsn, err := billingCfg.DSN()
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return nil, err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return nil, errMigrate
	}
	return New(conn, billingCfg), nil
}

// Close releases the database connection.
func (s *Service) Close() {
	if sqlDB, errDB := s.DB.DB(); errDB == nil {
		_ = sqlDB.Close()
	}
}

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	billingCfg, err := config.LoadBillingConfig(config.ResolveConfigPath(cfg.ConfigPath))
	if err != nil {
		return err
	}
	dsn, err := billingCfg.DSN()
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	defer func() {
		if sqlDB, errDB := conn.DB(); errDB == nil {
			_ = sqlDB.Close()
		}
	}()
	return db.Migrate(conn.WithContext(ctx))
}

// Sweep runs one expiry sweep and one cancellation reconciliation pass.
func Sweep(ctx context.Context, cfg config.AppConfig) error {
	svc, err := open(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	swept, errSweep := svc.Subscriptions.Sweep(ctx)
	if errSweep != nil {
		return fmt.Errorf("app: sweep: %w", errSweep)
	}
	reconciled, errReconcile := svc.Subscriptions.ReconcileCancellations(ctx)
	log.WithFields(log.Fields{"swept": swept, "cancellations": reconciled}).Info("sweep finished")
	return errReconcile
}

// Reconcile runs one provisioning and cancellation reconciliation pass.
func Reconcile(ctx context.Context, cfg config.AppConfig) error {
	svc, err := open(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	attempts, errProvisioning := svc.Provisioning.ReconcileOnce(ctx)
	cancellations, errCancellations := svc.Subscriptions.ReconcileCancellations(ctx)
	log.WithFields(log.Fields{"attempts": attempts, "cancellations": cancellations}).Info("reconcile finished")
	return errors.Join(errProvisioning, errCancellations)
}

// RunServer serves HTTP and runs the background workers until ctx is canceled.
func RunServer(ctx context.Context, cfg config.AppConfig) error {
	svc, err := open(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	workerCtx, stopWorkers := context.WithCancel(ctx)
	var workers sync.WaitGroup
	workers.Go(func() { svc.Sweeper.Run(workerCtx) })
	workers.Go(func() { svc.Provisioning.Run(workerCtx) })
	defer func() {
		stopWorkers()
		workers.Wait()
	}()

	server := &http.Server{
		Addr:              svc.Config.Server.Addr,
		Handler:           svc.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errServe := make(chan error, 1)
	go func() {
		log.Infof("billing server listening on %s", server.Addr)
		errServe <- server.ListenAndServe()
	}()

	select {
	case errListen := <-errServe:
		if errors.Is(errListen, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", errListen)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
		return fmt.Errorf("app: shutdown: %w", errShutdown)
	}
	log.Info("billing server stopped")
	return nil
}
