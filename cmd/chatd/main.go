package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"

	"threadcast/internal/bots"
	"threadcast/internal/broadcast"
	"threadcast/internal/config"
	"threadcast/internal/digest"
	"threadcast/internal/engine"
	"threadcast/internal/eventbus"
	"threadcast/internal/guard"
	"threadcast/internal/notify"
	"threadcast/internal/presence"
	"threadcast/internal/render"
	"threadcast/internal/store"
	"threadcast/internal/transport/ws"
	"threadcast/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	logSvc, log, err := logx.NewService(logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		File:    logx.FileConfig{Enabled: cfg.Log.File.Enabled, Path: cfg.Log.File.Path},
	})
	if err != nil {
		return err
	}
	defer logSvc.Close()

	spool, err := store.OpenSpool(store.SpoolConfig{
		Driver:      cfg.Spool.Driver,
		Path:        cfg.Spool.Path,
		BusyTimeout: cfg.Spool.BusyTimeoutDuration(),
	}, log)
	if err != nil {
		return err
	}
	defer spool.Close()

	st := store.NewMemory()
	bus := eventbus.New()
	pres := presence.New(bus, log)

	// The websocket adapter reports session lifecycle into the engine;
	// eng is assigned below, before the listener accepts connections.
	var eng *engine.Engine
	tr := ws.New(log,
		func(userID, connID string) {
			eng.Dispatch(ctx, engine.Event{Kind: engine.KindConnect, Actor: userID,
				Connect: &engine.ConnectEvent{ConnID: connID}})
		},
		func(userID, connID string) {
			eng.Dispatch(ctx, engine.Event{Kind: engine.KindDisconnect, Actor: userID,
				Disconnect: &engine.DisconnectEvent{ConnID: connID}})
		})

	g := guard.New(st, log)
	bc := broadcast.New(broadcast.Config{
		Workers:    cfg.Broadcast.Workers,
		QueueSize:  cfg.Broadcast.QueueSize,
		RatePerSec: cfg.Broadcast.RatePerSec,
	}, st, pres, tr, bus, log)
	nt := notify.New(notify.Config{
		Workers:    cfg.Notify.Workers,
		QueueSize:  cfg.Notify.QueueSize,
		RatePerSec: cfg.Notify.RatePerSec,
	}, st, pres, tr, render.NewText(st), spool, log)
	bd := bots.NewDispatcher(st, bots.NewHTTPWebhook(cfg.Webhook.TimeoutDuration()), log)
	dg := digest.New(digest.Config{
		Enabled:  cfg.Digest.Enabled,
		Schedule: cfg.Digest.Schedule,
	}, st, spool, digest.NewSMTPMailer(digest.SMTPConfig{
		Host:     cfg.Digest.SMTP.Host,
		Port:     cfg.Digest.SMTP.Port,
		Username: cfg.Digest.SMTP.Username,
		Password: cfg.Digest.SMTP.Password,
		From:     cfg.Digest.SMTP.From,
	}), log)

	eng = engine.New(st, g, pres, bc, nt, bd, st, log)

	bc.Start(ctx)
	nt.Start(ctx)
	if err := dg.Start(ctx); err != nil {
		return err
	}

	go func() {
		if err := config.Watch(ctx, cfgPath, log, func(c *config.Config) {
			_ = logSvc.Apply(logx.Config{
				Level:   c.Log.Level,
				Console: c.Log.Console,
				File:    logx.FileConfig{Enabled: c.Log.File.Enabled, Path: c.Log.File.Path},
			})
			bc.Apply(broadcast.Config{RatePerSec: c.Broadcast.RatePerSec})
			nt.Apply(notify.Config{RatePerSec: c.Notify.RatePerSec})
		}); err != nil {
			log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	if cfg.PProf.Enabled {
		go servePProf(cfg.PProf.Addr, log)
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	tr.Register(app, cfg.Listen.Path)

	go func() {
		log.Info("listening", logx.String("addr", cfg.Listen.Addr), logx.String("path", cfg.Listen.Path))
		if err := app.Listen(cfg.Listen.Addr); err != nil {
			log.Error("listener exited", logx.Err(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	_ = app.ShutdownWithContext(stopCtx)
	dg.Stop()
	nt.Stop(stopCtx)
	bc.Stop(stopCtx)
	return nil
}

func servePProf(addr string, log logx.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	log.Info("pprof listening", logx.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn("pprof listener exited", logx.Err(err))
	}
}
