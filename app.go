// app.go
package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/echo-im/echoclient/internal/api"
	"github.com/echo-im/echoclient/internal/call"
	"github.com/echo-im/echoclient/internal/config"
	"github.com/echo-im/echoclient/internal/retry"
	"github.com/echo-im/echoclient/internal/session"
	"github.com/echo-im/echoclient/internal/storage"
	"github.com/echo-im/echoclient/internal/transport"
)

// App bundles the wired client core for one data directory. The CLI front
// end in main.go drives it; an embedding UI would use the same surface.
type App struct {
	dir     string
	cfgPath string
	cfg     config.Config

	store      *storage.DB
	client     *api.Client
	channel    *transport.Channel
	controller *session.Controller
	watcher    *config.Watcher
}

// NewApp loads (or creates) the config under dir and wires the core.
func NewApp(dir string) (*App, error) {
	cfgPath := filepath.Join(dir, "echo.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if created {
		fmt.Printf("Created default config at %s\n", cfgPath)
	}
	config.ApplyLogLevels(cfg.Logging)

	store, err := storage.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	client := api.NewClient(cfg.Server.APIURL)
	channel := transport.NewChannel(transport.Options{
		URL: cfg.WebsocketURL(),
		Reconnect: retry.Policy{
			BaseDelay: time.Duration(cfg.Server.ReconnectBaseSec) * time.Second,
			MaxDelay:  time.Duration(cfg.Server.ReconnectMaxSec) * time.Second,
			Jitter:    true,
		},
	})
	calls := call.New(call.Options{
		Signaler:   channel,
		ICEServers: cfg.Call.ICEServers,
		Capture: call.CapturePreferences{
			VideoDisabled: cfg.Call.VideoDisabled,
			Camera:        cfg.Call.PreferredCam,
			Microphone:    cfg.Call.PreferredMic,
		},
		RingingTimeout: time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
	})
	controller := session.NewController(session.Options{
		Channel:      channel,
		API:          client,
		Store:        store,
		Calls:        calls,
		HistoryLimit: cfg.Chat.HistoryLimit,
		ToastTTL:     time.Duration(cfg.UI.ToastMillis) * time.Millisecond,
	})

	watcher, err := config.Watch(cfgPath)
	if err != nil {
		log.Warnf("config watcher disabled: %v", err)
	}

	return &App{
		dir:        dir,
		cfgPath:    cfgPath,
		cfg:        cfg,
		store:      store,
		client:     client,
		channel:    channel,
		controller: controller,
		watcher:    watcher,
	}, nil
}

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.controller }

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Login authenticates and brings the realtime channel up.
func (a *App) Login(ctx context.Context, username, password string) error {
	return a.controller.Login(ctx, username, password)
}

// Restore resumes the persisted session when one exists.
func (a *App) Restore(ctx context.Context) error {
	return a.controller.Restore(ctx)
}

// RecentAccounts lists remembered logins for the account picker.
func (a *App) RecentAccounts() ([]storage.RecentAccount, error) {
	return a.store.RecentAccounts()
}

// Shutdown tears everything down in dependency order. The session stays
// persisted so the next start can Restore it.
func (a *App) Shutdown() {
	if a.watcher != nil {
		a.watcher.Close()
	}
	a.controller.Calls().EndCall()
	a.controller.Close()
	a.channel.Disconnect()
	if err := a.store.Close(); err != nil {
		log.Warnf("close storage: %v", err)
	}
}
