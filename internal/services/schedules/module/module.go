// Package module wires schedules into the API using modkit
package module

import (
	"net/http"

	modkit "reflow/internal/modkit"
	"reflow/internal/modkit/httpkit"
	str "reflow/internal/platform/strings"
	coldomain "reflow/internal/services/collections/domain"
	"reflow/internal/services/schedules/domain"
	schhttp "reflow/internal/services/schedules/http"
	schrepo "reflow/internal/services/schedules/repo"
	schsvc "reflow/internal/services/schedules/service"
)

// Ports exposed by the schedules module
type Ports struct {
	Schedules domain.SchedulesPort
}

// Module implements the schedules module
type Module struct {
	deps   modkit.Deps
	name   string
	prefix string

	mws   []func(http.Handler) http.Handler
	ports Ports

	subrouter func(httpkit.Router) httpkit.Router
	register  func(httpkit.Router)

	svc *schsvc.Service
}

// New constructs the schedules module; it consumes the collections port to
// create runs when schedules fire
func New(
	deps modkit.Deps,
	collections coldomain.CollectionsPort,
	nextRun domain.NextRunCalculator,
	opts ...modkit.Option,
) *Module {
	b := modkit.Build(append(
		[]modkit.Option{modkit.WithName("schedules"), modkit.WithPrefix("/schedules")},
		opts...)...)

	o := FromConfig(deps.Cfg)
	svc := schsvc.New(deps.PG, schrepo.NewPG(), collections, nextRun, schsvc.Config{
		DefaultLookbackDays: o.DefaultLookbackDays,
		DefaultPolicy:       o.DefaultPolicy,
	})

	m := &Module{
		deps:      deps,
		name:      b.Name,
		prefix:    b.Prefix,
		mws:       b.Mw,
		subrouter: b.Subrouter,
		svc:       svc,
	}
	m.ports = Ports{Schedules: svc}

	external := b.Register
	m.register = func(r httpkit.Router) {
		schhttp.Register(r, m.svc)
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
