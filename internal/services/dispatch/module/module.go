// Package module provides the dispatch module implementation
package module

import (
	modkit "reflow/internal/modkit"
	"reflow/internal/modkit/httpkit"
	coldomain "reflow/internal/services/collections/domain"
	"reflow/internal/services/dispatch/domain"
	"reflow/internal/services/dispatch/repo"
	"reflow/internal/services/dispatch/service"
)

// Ports defines the dispatch module ports
type Ports struct {
	Runner     domain.RunnerPort
	Reconciler domain.ReconcilerPort
}

// Module implements the dispatch module
type Module struct {
	deps  modkit.Deps
	ports Ports
}

// New constructs the dispatch module
// backend and lifecycle are cross module collaborators wired in main
// It does not mount any routes.
func New(deps modkit.Deps, backend domain.Backend, lifecycle coldomain.LifecyclePort) *Module {
	opts := FromConfig(deps.Cfg)

	svc := service.New(deps.PG, repo.NewPG(), backend, lifecycle, service.Config{
		Workers:      opts.Workers,
		MaxRetries:   opts.MaxRetries,
		RetryBase:    opts.RetryBase,
		RatePerSec:   opts.RatePerSec,
		Burst:        opts.Burst,
		PollInterval: opts.PollInterval,
		StaleAfter:   opts.StaleAfter,
	})

	m := &Module{deps: deps}
	m.ports = Ports{Runner: svc, Reconciler: svc}
	return m
}

// Name returns the module name
func (m *Module) Name() string { return "dispatch" }

// Ports returns the module ports
func (m *Module) Ports() any { return m.ports }

// Prefix returns the module prefix (none)
func (m *Module) Prefix() string { return "" }

// MountRoutes is a no-op as dispatch has no routes
func (m *Module) MountRoutes(_ httpkit.Router) {}
