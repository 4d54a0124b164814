package main

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"

	"llamagate/internal/arbiter"
	"llamagate/internal/common/fsutil"
	"llamagate/internal/config"
	"llamagate/internal/engine"
	"llamagate/internal/gateway"
	"llamagate/internal/logging"
	"llamagate/pkg/types"
)

// app is the assembled gateway shared by serve and generate.
type app struct {
	cfg     config.Config
	log     zerolog.Logger
	logOut  io.Closer
	arb     *arbiter.Arbiter
	svc     *gateway.Service
	engName string
}

func loadConfig(o *rootOptions) (config.Config, zerolog.Logger, io.Closer, error) {
	cfg, err := config.Resolve(o.configPath, o.envFiles...)
	if err != nil {
		return cfg, zerolog.Nop(), nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	log, closer, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}, os.Stderr)
	if err != nil {
		return cfg, zerolog.Nop(), nil, err
	}
	return cfg, log, closer, nil
}

// openRuntimes opens n handles on e. On failure the handles opened so far are
// closed and the first error is returned.
func openRuntimes(ctx context.Context, e engine.Engine, spec engine.Spec, n int, log zerolog.Logger) ([]*engine.Handle, error) {
	handles := make([]*engine.Handle, 0, n)
	for i := 0; i < n; i++ {
		h, err := engine.Open(ctx, e, spec, log.With().Int("slot", i).Logger())
		if err != nil {
			for _, open := range handles {
				_ = open.Close()
			}
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

func newApp(ctx context.Context, o *rootOptions) (*app, error) {
	cfg, log, closer, err := loadConfig(o)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, logOut: closer}
	if err := a.init(ctx); err != nil {
		_ = closer.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg
	eng, err := engine.New(cfg.Engine.Kind, cfg.EngineOptions(a.log))
	if err != nil {
		return err
	}
	a.engName = eng.Name()

	openCtx, cancel := context.WithTimeout(ctx, cfg.Engine.ReadyTimeout.Duration)
	defer cancel()
	a.log.Info().Str("engine", eng.Name()).Str("model", cfg.Model.Path).Int("sessions", cfg.Limits.MaxConcurrent).Msg("loading model")
	handles, err := openRuntimes(openCtx, eng, cfg.EngineSpec(), cfg.Limits.MaxConcurrent, a.log)
	if err != nil {
		return err
	}
	runtimes := make([]arbiter.Runtime, len(handles))
	for i, h := range handles {
		runtimes[i] = h
	}

	a.arb, err = arbiter.New(runtimes, cfg.ArbiterConfig(),
		arbiter.WithLogger(a.log.With().Str("component", "arbiter").Logger()),
		arbiter.WithPublisher(arbiter.LogPublisher{Log: a.log}),
	)
	if err != nil {
		for _, h := range handles {
			_ = h.Close()
		}
		return err
	}

	model := types.Model{
		ID:          cfg.Model.ID,
		Path:        cfg.Model.Path,
		Threads:     handles[0].Spec().Threads,
		ContextSize: cfg.Model.ContextSize,
	}
	if mb, err := fsutil.SizeMB(cfg.Model.Path); err == nil {
		model.SizeMB = mb
	}
	a.svc, err = gateway.New(a.arb, cfg.Bounds(),
		gateway.WithLogger(a.log.With().Str("component", "gateway").Logger()),
		gateway.WithTimeout(cfg.Limits.GenerationTimeout.Duration),
		gateway.WithModel(model, eng.Name()),
	)
	if err != nil {
		_ = a.arb.Close(context.Background())
		return err
	}
	a.log.Info().Str("model", model.ID).Int("size_mb", model.SizeMB).Int("threads", model.Threads).Msg("model ready")
	return nil
}

// close drains the arbiter within the kill grace and closes the log output.
func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Limits.KillGrace.Duration)
	defer cancel()
	err := a.arb.Close(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("arbiter close")
	}
	if cerr := a.logOut.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
