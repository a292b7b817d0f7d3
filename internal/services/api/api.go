// Package api assembles the HTTP API from the service modules
package api

import (
	"reflow/internal/platform/config"
	"reflow/internal/platform/logger"
	phttp "reflow/internal/platform/net/http"
	"reflow/internal/platform/store"

	"reflow/internal/modkit"
	"reflow/internal/modkit/httpkit"
	"reflow/internal/modkit/module"

	croncalc "reflow/internal/adapters/cron"
	colmod "reflow/internal/services/collections/module"
	schmod "reflow/internal/services/schedules/module"
)

// Options are the API options
type Options struct {
	Config config.Conf
	Store  *store.Store
	Logger *logger.Logger
}

// Mount mounts the API service onto the given router
func Mount(r phttp.Router, opt Options) {
	deps := modkit.Deps{
		Cfg: opt.Config,
		PG:  opt.Store.PG,
		CH:  opt.Store.CH,
	}
	if opt.Logger != nil {
		deps.Log = *opt.Logger
	}

	// collections first so schedules can consume its port
	collections := colmod.New(deps)
	colPorts := module.MustPortsOf[colmod.Ports](collections)

	schedules := schmod.New(deps, colPorts.Collections, croncalc.New())

	mods := []module.Module{collections, schedules}

	httpkit.MountUnder(r, "/api/v1", httpkit.CommonStack(), func(api httpkit.Router) {
		for _, m := range mods {
			module.Register(m.Name(), m.Ports())
			m.MountRoutes(api)
		}
	})
}
