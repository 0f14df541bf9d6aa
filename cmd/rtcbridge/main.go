package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/EchoPBX/echopbx-rtcbridge/internal/config"
	"github.com/EchoPBX/echopbx-rtcbridge/internal/dispatcher"
	"github.com/EchoPBX/echopbx-rtcbridge/internal/engine"
	"github.com/EchoPBX/echopbx-rtcbridge/internal/engine/native"
	"github.com/EchoPBX/echopbx-rtcbridge/internal/events"
	"github.com/EchoPBX/echopbx-rtcbridge/internal/forwarder"
	"github.com/EchoPBX/echopbx-rtcbridge/internal/httpserver"
	"github.com/EchoPBX/echopbx-rtcbridge/internal/logging"
	"github.com/EchoPBX/echopbx-rtcbridge/internal/natsbridge"
	"github.com/EchoPBX/echopbx-rtcbridge/internal/permissions"
	"github.com/EchoPBX/echopbx-rtcbridge/internal/plugins"
	"github.com/EchoPBX/echopbx-rtcbridge/internal/reloader"
	"github.com/EchoPBX/echopbx-rtcbridge/internal/texture"
	"github.com/EchoPBX/echopbx-rtcbridge/internal/tracing"
	"github.com/EchoPBX/echopbx-rtcbridge/pkg/sdk"
)

var version = "dev"

func main() {
	cfgPath := config.Path()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		panic(err)
	}

	logger, level := logging.New(logging.Cfg{
		Level: cfg.Logging.Level,
		JSON:  cfg.Logging.JSON,
	})
	defer logger.Sync()

	// Banner
	fmt.Println(`
  ____  _____ ____ ____       _     _
 |  _ \|_   _/ ___| __ ) _ __(_) __| | __ _  ___
 | |_) | | || |   |  _ \| '__| |/ _' |/ _' |/ _ \
 |  _ <  | || |___| |_) | |  | | (_| | (_| |  __/
 |_| \_\ |_| \____|____/|_|  |_|\__,_|\__, |\___|
                                      |___/
EchoPBX RTC bridge - real-time engine over a method channel
------------------------------------------------------------
Config:  ` + cfgPath + `
Version: ` + version + `
`)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tp *tracing.Provider
	if cfg.Tracing.Stdout {
		if tp, err = tracing.Setup(ctx, "rtcbridge", version, os.Stdout); err != nil {
			logger.Fatal("tracing", zap.Error(err))
		}
	}

	bus := events.NewBus()
	sinks := forwarder.MultiSink{bus}

	var nb *natsbridge.Bridge
	if cfg.NATS.Enabled {
		nb, err = natsbridge.Connect(natsbridge.Config{
			URL:     cfg.NATS.URL,
			Name:    cfg.NATS.Name,
			Prefix:  cfg.NATS.Prefix,
			Timeout: cfg.NATS.Timeout,
		}, logger)
		if err != nil {
			logger.Fatal("nats", zap.Error(err))
		}
		sinks = append(sinks, nb)
	}

	drivers := engine.NewRegistry()
	mustRegister(logger, drivers, "fake", engine.NewFakeFactory(engine.FakeOptions{
		JoinDelay:     cfg.Engine.Fake.JoinDelay,
		StatsInterval: cfg.Engine.Fake.StatsInterval,
		FrameInterval: cfg.Engine.Fake.FrameInterval,
		RemoteUsers:   cfg.Engine.Fake.RemoteUsers,
	}))
	mustRegister(logger, drivers, "native", native.NewFactory(native.Options{LibraryPath: cfg.Engine.LibraryPath}))

	pluginMgr := plugins.NewManager(logger, bus, drivers, nil)
	if err := pluginMgr.LoadManifest(cfg.Plugins.Manifest); err != nil {
		logger.Warn("plugin manifest", zap.Error(err))
	}

	var driver atomic.Pointer[string]
	driver.Store(&cfg.Engine.Driver)
	if _, err := drivers.Lookup(cfg.Engine.Driver); err != nil {
		logger.Fatal("engine driver", zap.String("driver", cfg.Engine.Driver), zap.Strings("available", drivers.Names()))
	}

	gate, err := permissions.FromPolicy(cfg.Permissions.Policy)
	if err != nil {
		logger.Fatal("permissions", zap.Error(err))
	}

	textures := texture.NewRegistry()
	disp := dispatcher.New(
		logger.Named("dispatcher"),
		drivers.Resolve(func() string { return *driver.Load() }),
		forwarder.New(sinks, logger.Named("forwarder")),
		textures,
		gate,
		dispatcher.Options{Lenient: cfg.Dispatch.Lenient},
	)

	srv, err := httpserver.New(cfg, logger, bus, disp, textures)
	if err != nil {
		logger.Fatal("http server", zap.Error(err))
	}
	if nb != nil {
		if err := nb.ServeMethods(disp); err != nil {
			logger.Fatal("nats methods", zap.Error(err))
		}
	}

	// Hot reload con SIGHUP
	reloader.OnSIGHUP(ctx, func() {
		newCfg, err := config.Load(cfgPath)
		if err != nil {
			logger.Warn("config reload failed", zap.Error(err))
			return
		}
		logging.SetLevel(level, newCfg.Logging.Level)
		if err := srv.Reload(newCfg); err != nil {
			logger.Warn("http reload failed", zap.Error(err))
		}
		disp.SetLenient(newCfg.Dispatch.Lenient)
		pluginMgr.Reload(newCfg.Plugins.Manifest)
		if _, err := drivers.Lookup(newCfg.Engine.Driver); err != nil {
			logger.Warn("keeping engine driver", zap.String("requested", newCfg.Engine.Driver), zap.Error(err))
		} else {
			driver.Store(&newCfg.Engine.Driver)
		}
		logger.Info("reloaded config and plugins", zap.String("driver", *driver.Load()))
	})

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Bind, cfg.HTTP.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", addr), zap.Bool("tls", cfg.HTTP.TLS.Enabled))
		var err error
		if cfg.HTTP.TLS.Enabled {
			err = httpSrv.ListenAndServeTLS(cfg.HTTP.TLS.Cert, cfg.HTTP.TLS.Key)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		ctxTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(ctxTimeout)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server", zap.Error(err))
	}

	if err := disp.Close(); err != nil {
		logger.Warn("engine release", zap.Error(err))
	}
	if nb != nil {
		_ = nb.Close()
	}
	pluginMgr.Shutdown()
	ctxTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = tp.Shutdown(ctxTimeout)
	logger.Info("bye")
}

func mustRegister(logger *zap.Logger, r *engine.Registry, name string, f sdk.EngineFactory) {
	if err := r.Register(name, f); err != nil {
		logger.Fatal("register driver", zap.String("driver", name), zap.Error(err))
	}
}
