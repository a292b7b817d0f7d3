// Package module wires collections into the API using modkit
package module

import (
	"net/http"

	modkit "reflow/internal/modkit"
	"reflow/internal/modkit/httpkit"
	str "reflow/internal/platform/strings"
	"reflow/internal/services/collections/domain"
	colhttp "reflow/internal/services/collections/http"
	colrepo "reflow/internal/services/collections/repo"
	colsvc "reflow/internal/services/collections/service"
)

// Ports exposed by the collections module
type Ports struct {
	Collections domain.CollectionsPort
	Lifecycle   domain.LifecyclePort
}

// Module implements the collections module
type Module struct {
	deps   modkit.Deps
	name   string
	prefix string

	mws   []func(http.Handler) http.Handler
	ports Ports

	subrouter func(httpkit.Router) httpkit.Router
	register  func(httpkit.Router)

	svc *colsvc.Service
}

// New constructs the collections module
func New(deps modkit.Deps, opts ...modkit.Option) *Module {
	b := modkit.Build(append(
		[]modkit.Option{modkit.WithName("collections"), modkit.WithPrefix("/collections")},
		opts...)...)

	o := FromConfig(deps.Cfg)
	svc := colsvc.New(deps.PG, colrepo.NewPG(), colsvc.Config{
		MaxLookbackDays:      o.MaxLookbackDays,
		DefaultParallel:      o.DefaultParallel,
		DefaultFailurePolicy: o.FailurePolicy,
		CompletionThreshold:  o.CompletionThreshold,
	})

	m := &Module{
		deps:      deps,
		name:      b.Name,
		prefix:    b.Prefix,
		mws:       b.Mw,
		subrouter: b.Subrouter,
		svc:       svc,
	}
	m.ports = Ports{Collections: svc, Lifecycle: svc}

	external := b.Register
	m.register = func(r httpkit.Router) {
		colhttp.Register(r, m.svc)
		if external != nil {
			external(r)
		}
	}
	return m
}

// MountRoutes mounts the module routes on the given router
func (m *Module) MountRoutes(r httpkit.Router) {
	r.Route(m.prefix, func(rr httpkit.Router) {
		for _, mw := range m.mws {
			rr.Use(mw)
		}
		if m.subrouter != nil {
			rr = m.subrouter(rr)
		}
		if m.register != nil {
			m.register(rr)
		}
	})
}

// Name returns the module name
func (m *Module) Name() string { return str.MustString(m.name, "module name") }

// Prefix returns the module route prefix
func (m *Module) Prefix() string { return str.MustPrefix(m.prefix) }

// Ports returns the module ports
func (m *Module) Ports() any { return m.ports }
