package auth

import (
	"github.com/brizzai/oidc-agent/internal/auth/browser"
	"github.com/brizzai/oidc-agent/internal/auth/flow"
	"github.com/brizzai/oidc-agent/internal/auth/store"
	"github.com/brizzai/oidc-agent/internal/config"
	"go.uber.org/fx"
)

func newOrchestrator(cfg *config.Config) *flow.Orchestrator {
	return flow.NewOrchestrator(&cfg.Realm, nil)
}

func newOpener(cfg *config.Config) *browser.Loopback {
	return browser.NewLoopback(cfg.Realm.RedirectURI)
}

func newSecureBackend(cfg *config.Config) store.Secure {
	if cfg.Storage.Backend == "memory" {
		return store.NewMemory()
	}
	return store.NewFile(cfg.Storage.Path, cfg.Storage.Passphrase)
}

func newScheduler(svc *Service, cfg *config.Config) *RefreshScheduler {
	return NewRefreshScheduler(svc, cfg.Refresh.Interval)
}

// Module provides the auth session dependencies
var Module = fx.Module("auth",
	fx.Provide(
		newOrchestrator,
		fx.Annotate(
			newOpener,
			fx.As(new(browser.Opener)),
		),
		newSecureBackend,
		store.NewTokenStore,
		NewService,
		newScheduler,
	),
)
