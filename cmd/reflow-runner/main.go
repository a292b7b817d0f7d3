package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"reflow/internal/modkit"
	"reflow/internal/modkit/module"
	"reflow/internal/modkit/repokit"
	"reflow/internal/platform/config"
	"reflow/internal/platform/logger"
	"reflow/internal/platform/store"

	croncalc "reflow/internal/adapters/cron"
	"reflow/internal/adapters/exec"
	coldomain "reflow/internal/services/collections/domain"
	colmod "reflow/internal/services/collections/module"
	dispmod "reflow/internal/services/dispatch/module"
	schmod "reflow/internal/services/schedules/module"
)

func mustSetEnv(key, val string) {
	if val != "" {
		_ = os.Setenv(key, val)
	}
}

func main() {
	root := config.New()
	pgCfg := root.Prefix("SERVICE_PGSQL_")
	chCfg := root.Prefix("SERVICE_CLICKHOUSE_")

	l := logger.Get()
	st, err := store.Open(context.Background(), store.Config{
		PG: store.PGConfig{
			Enabled:     true,
			URL:         pgCfg.MustString("DBURL"),
			MaxConns:    int32(pgCfg.MayInt("MAX_CONNS", 4)),
			SlowQueryMs: pgCfg.MayInt("SLOW_MS", 500),
			LogSQL:      pgCfg.MayBool("LOG_SQL", true),
		},
		CH: store.CHConfig{
			Enabled:    true,
			URL:        chCfg.MustString("DBURL"),
			ClientName: "reflow",
			ClientTag:  "runner",
		},
	}, store.WithLogger(*l))
	if err != nil {
		l.Panic().Err(err).Msg("store.Open failed")
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			l.Error().Err(err).Msg("failed to close store")
		}
	}()
	repokit.MustGuard(context.Background(), st)

	var (
		fStart    = flag.String("start", "", "window start YYYY-MM-DD (with -end)")
		fEnd      = flag.String("end", "", "window end YYYY-MM-DD inclusive (with -start)")
		fLookback = flag.Int("lookback", 0, "relative lookback value (with -unit)")
		fUnit     = flag.String("unit", "days", "lookback unit: days | weeks | months")
		fPolicy   = flag.String("policy", "weekly", "segmentation policy: daily | weekly | monthly")
		fType     = flag.String("type", "backfill", "collection type: backfill | weekly_update")
		fPlanOnly = flag.Bool("plan-only", false, "compute the segment plan and exit without persisting")
		fDrain    = flag.Bool("drain", false, "dispatch claimable segments until the queue settles, then exit")
		fWatch    = flag.Bool("watch", false, "run the dispatch loop until interrupted")
		fEvaluate = flag.Bool("evaluate", false, "run one schedule evaluation sweep")
		fWorkers  = flag.Int("workers", 0, "dispatch worker concurrency override")
	)
	flag.Parse()

	if *fDrain && *fWatch {
		l.Panic().Msg("-drain and -watch are mutually exclusive")
	}
	if (*fStart == "") != (*fEnd == "") {
		l.Panic().Msg("-start and -end must be given together")
	}

	if *fWorkers > 0 {
		mustSetEnv("CORE_DISPATCH_WORKERS", strconv.Itoa(*fWorkers))
	}

	deps := modkit.Deps{
		Cfg: root,
		PG:  st.PG,
		CH:  st.CH,
		Log: *l,
	}

	collections := colmod.New(deps)
	module.Register(collections.Name(), collections.Ports())
	colPorts := module.MustPortsOf[colmod.Ports](collections)

	schedules := schmod.New(deps, colPorts.Collections, croncalc.New())
	module.Register(schedules.Name(), schedules.Ports())

	backend := exec.New(st.CH, exec.Config{
		Query:   chCfg.MayString("SEGMENT_QUERY", ""),
		Timeout: chCfg.MayDuration("SEGMENT_TIMEOUT", 10*time.Minute),
	})
	dispatch := dispmod.New(deps, backend, colPorts.Lifecycle)
	module.Register(dispatch.Name(), dispatch.Ports())
	dispPorts := module.MustPortsOf[dispmod.Ports](dispatch)
	backend.Bind(dispPorts.Reconciler)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *fEvaluate {
		schPorts := module.MustPortsOf[schmod.Ports](schedules)
		res, err := schPorts.Schedules.EvaluateDue(ctx, time.Now().UTC())
		if err != nil {
			l.Fatal().Err(err).Msg("schedule evaluation failed")
		}
		l.Info().
			Int("evaluated", res.Evaluated).
			Int("fired", res.Fired).
			Int("backfills", res.Backfills).
			Int("failures", res.Failures).
			Msg("schedule sweep done")
	}

	if *fStart != "" || *fLookback > 0 {
		runCollection(ctx, l, colPorts.Collections, *fType, *fStart, *fEnd, *fLookback, *fUnit, *fPolicy, *fPlanOnly)
	}

	switch {
	case *fWatch:
		if err := dispPorts.Runner.Run(ctx); err != nil && ctx.Err() == nil {
			l.Fatal().Err(err).Msg("dispatch loop failed")
		}
		backend.Wait()

	case *fDrain:
		// second pass picks up segments requeued by reconciliation
		for range 2 {
			if err := dispPorts.Runner.DrainOnce(ctx); err != nil {
				l.Fatal().Err(err).Msg("dispatch drain failed")
			}
			backend.Wait()
		}
	}
}

func runCollection(
	ctx context.Context,
	l *logger.Logger,
	collections coldomain.CollectionsPort,
	typ, start, end string,
	lookback int,
	unit, policy string,
	planOnly bool,
) {
	in := coldomain.CreateInput{
		Type:   coldomain.CollectionType(typ),
		Policy: policy,
	}
	if start != "" {
		in.Lookback = coldomain.LookbackInput{Start: start, End: end}
	} else {
		in.Lookback = coldomain.LookbackInput{Value: uint(lookback), Unit: unit}
	}

	if planOnly {
		col, segs, err := collections.Plan(ctx, in)
		if err != nil {
			l.Fatal().Err(err).Msg("plan failed")
		}
		l.Info().
			Str("window", col.Window.String()).
			Int("segments", len(segs)).
			Msg("plan computed")
		return
	}

	col, err := collections.Create(ctx, in)
	if err != nil {
		l.Fatal().Err(err).Msg("collection create failed")
	}
	if err := collections.Start(ctx, col.ID); err != nil {
		l.Fatal().Err(err).Msg("collection start failed")
	}
	l.Info().
		Str("collection_id", col.ID.String()).
		Str("window", col.Window.String()).
		Int("segments", col.TotalSegments).
		Msg("collection started")
}
