package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/MStee09/BoltFreightCSP-sub003/internal/auth"
	"github.com/MStee09/BoltFreightCSP-sub003/internal/config"
	"github.com/MStee09/BoltFreightCSP-sub003/internal/correlate"
	"github.com/MStee09/BoltFreightCSP-sub003/internal/domain"
	"github.com/MStee09/BoltFreightCSP-sub003/internal/ingest"
	natsjs "github.com/MStee09/BoltFreightCSP-sub003/internal/nats"
	"github.com/MStee09/BoltFreightCSP-sub003/internal/providers"
	"github.com/MStee09/BoltFreightCSP-sub003/internal/providers/gmail"
	"github.com/MStee09/BoltFreightCSP-sub003/internal/providers/outlook"
	"github.com/MStee09/BoltFreightCSP-sub003/internal/server"
	"github.com/MStee09/BoltFreightCSP-sub003/internal/store"
	"github.com/MStee09/BoltFreightCSP-sub003/internal/thread"
	"github.com/MStee09/BoltFreightCSP-sub003/internal/token"
	"github.com/MStee09/BoltFreightCSP-sub003/internal/watch"
)

const defaultStallDays = 3

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the ingestion service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, log)
		},
	}
}

// providerFactory builds a MailProvider for a mailbox, resolving a live
// access token first. A dead credential surfaces here as ErrReauthRequired
// and halts every ingestion path for that mailbox.
func providerFactory(cfg *config.Config, tokens *token.Manager) providers.Factory {
	return func(ctx context.Context, settings *domain.MailboxSettings) (providers.MailProvider, error) {
		accessToken, err := tokens.AccessToken(ctx, settings.OwnerID)
		if err != nil {
			return nil, err
		}

		switch settings.Provider {
		case domain.ProviderGmail:
			return gmail.New(ctx, accessToken, gmail.Options{
				PushTopic:      cfg.PushTopic,
				WatchLabel:     cfg.WatchLabel,
				TrackingPrefix: cfg.TrackingPrefix,
				TrackingHeader: cfg.TrackingHeader,
			})
		case domain.ProviderOutlook:
			return outlook.New(ctx, accessToken, settings.Mailbox, outlook.Options{
				TrackingPrefix: cfg.TrackingPrefix,
				TrackingHeader: cfg.TrackingHeader,
			})
		default:
			return nil, fmt.Errorf("unknown mail provider %q", settings.Provider)
		}
	}
}

func run(parent context.Context, cfg *config.Config, log *logrus.Entry) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	publisher, err := natsjs.NewPublisher(cfg.NATSURL)
	if err != nil {
		return err
	}
	defer publisher.Close()
	if err := publisher.EnsureStream(ctx); err != nil {
		return err
	}

	tokens, err := token.NewManager(st, cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleTokenURL, log.WithField("component", "token"))
	if err != nil {
		return err
	}

	factory := providerFactory(cfg, tokens)
	watches := watch.NewManager(st, factory, log.WithField("component", "watch"))
	resolver := correlate.NewResolver(st, cfg.MinNameTokenLen, log.WithField("component", "correlate"))
	threads := thread.NewAggregator(st, defaultStallDays, log.WithField("component", "thread"))

	dispatcher := ingest.NewDispatcher(st, factory, resolver, threads, ingest.Options{
		PollInterval:       cfg.PollInterval,
		PollWorkers:        cfg.PollWorkers,
		ResyncPageDelay:    cfg.ResyncPageDelay,
		ResyncLookbackDays: cfg.ResyncLookbackDays,
	}, log.WithField("component", "ingest"))

	var verifier *auth.JWTVerifier
	if cfg.JWKSURL != "" {
		verifier, err = auth.NewJWTVerifier(cfg.JWKSURL)
		if err != nil {
			return err
		}
	} else {
		log.Warn("jwks_url not set, management API is unauthenticated")
	}

	go dispatcher.RunPoller(ctx)
	go dispatcher.RunOutbox(ctx, publisher, cfg.OutboxBatchSize)
	go threads.RunSweep(ctx, cfg.SweepInterval)
	go watches.RunRenewal(ctx, time.Hour)

	srv := server.New(st, dispatcher, watches, threads, verifier, log.WithField("component", "server"))
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("service started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
