// Package agent initializes and runs the identity agent daemon: the
// vault manager, the identity client, the consent broker and the relay
// channel server, wired together from configuration and stopped
// gracefully on SIGINT/SIGTERM.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/identkit/idagent/internal/agent/config"
	"github.com/identkit/idagent/internal/channel"
	"github.com/identkit/idagent/internal/consent"
	"github.com/identkit/idagent/internal/identity"
	"github.com/identkit/idagent/internal/logging"
	"github.com/identkit/idagent/internal/recovery"
	"github.com/identkit/idagent/internal/storage"
	"github.com/identkit/idagent/internal/vault"
)

type App struct {
	config *config.Config
	logger logging.Logger
	server *channel.Server
	broker *consent.Broker
}

func NewApp(c *config.Config) (*App, error) {
	slogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(slogger)

	ctx := context.Background()

	durable, err := storage.Open(ctx, c.DurableDSN)
	if err != nil {
		return nil, fmt.Errorf("storage init error: %w", err)
	}
	session := storage.NewMemStore()
	tiers := storage.Tiers{Durable: durable, Session: session}

	client := identity.NewClient(c.IdentityServiceURL, c.RequestTimeout, logger)
	scanner := recovery.NewScanner(client, c.GapLimit, logger)
	manager := vault.NewManager(tiers, client, scanner, logger)

	handler := NewHandler(manager, logger)
	server := channel.NewServer(c.ChannelAddr, handler, logger)
	broker := consent.NewBroker(session, handler.Dispatch, server.Broadcast, activeProfile(manager), logger)
	handler.Bind(broker)

	return &App{config: c, logger: logger, server: server, broker: broker}, nil
}

// activeProfile exposes the active identity's public profile fields to
// consent prompts. Locked or empty vaults yield blank fields.
func activeProfile(manager *vault.Manager) consent.ProfileSource {
	return func(ctx context.Context) (string, string) {
		rec, err := manager.ActiveIdentity(ctx)
		if err != nil || rec == nil {
			return "", ""
		}
		return rec.ProfileName, rec.ProfilePictureURL
	}
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startChannelServer(ctx context.Context, cancelFunc context.CancelFunc) {
	if err := app.server.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

// startConsentSweeper denies consent prompts nobody answered within
// the configured TTL.
func (app *App) startConsentSweeper(ctx context.Context) {
	if app.config.ConsentTTL <= 0 {
		return
	}
	ticker := time.NewTicker(app.config.ConsentTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			app.broker.Expire(ctx, app.config.ConsentTTL)
		}
	}
}

func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting agent")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startChannelServer(ctx, cancelFunc)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startConsentSweeper(ctx)
	}()

	wg.Wait()
}
