package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/isqad/melody"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-signal/internal/auth"
	"github.com/isqad/livelook-signal/internal/config"
	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/rtc"
	signaling "github.com/isqad/livelook-signal/internal/signal"
)

// Drainer is the event publisher as seen by the server: it gets a chance to
// deliver what is queued before the process exits
type Drainer interface {
	Close(ctx context.Context) error
}

// WsAppOptions is options of the application
type WsAppOptions struct {
	Env      core.Environment
	Config   *config.Config
	Engine   *signaling.Engine
	Hub      *Hub
	Verifier auth.Verifier
	Media    rtc.MediaEngine
	Events   Drainer

	websocket *melody.Melody
	auth      *BearerAuth
}

// WsApp is application for Websocket server
type WsApp struct {
	WsAppOptions
}

func New(options WsAppOptions) *WsApp {
	options.websocket = melody.New()
	options.websocket.Config.MaxMessageSize = options.Config.Server.MaxMessageSize
	options.auth = NewBearerAuth(options.Verifier)

	app := &WsApp{
		options,
	}
	return app
}

// Start serves until a signal arrives or the media engine dies. The latter
// is reported as an error.
func (app *WsApp) Start() error {
	quit := make(chan os.Signal, 1)
	done := make(chan error, 1)

	app.initLogger()
	router := app.Handler()

	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	server := &http.Server{
		Addr:              app.Config.Server.Address,
		Handler:           router,
		ReadHeaderTimeout: 1 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	server.RegisterOnShutdown(func() {
		log.Warn().Msg("received signal to terminate the server")
	})

	go func() {
		var reason error

		select {
		case <-quit:
			log.Warn().Msg("the server is going shutting down")
		case err := <-app.Media.Done():
			log.Error().Err(err).Str("service", "ws").Msg("media engine died")
			reason = fmt.Errorf("media engine: %w", err)
		}

		done <- app.shutdown(server, reason)
	}()

	log.Info().Str("address", server.Addr).Msg("server started")

	err := server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server has been closed immediately: %w", err)
	}

	err = <-done
	log.Info().Msg("server stopped")

	return err
}

// shutdown stops accepting connections, closes every room, drains the
// event publisher and closes the media engine
func (app *WsApp) shutdown(server *http.Server, reason error) error {
	waitIdleConnCtx, cancel := context.WithTimeout(context.Background(), app.Config.Server.ShutdownTimeout)
	defer cancel()

	server.SetKeepAlivesEnabled(false)
	if err := server.Shutdown(waitIdleConnCtx); err != nil {
		log.Error().Err(err).Msg("can't gracefully shutdown the server")
	}

	app.Engine.Shutdown()

	if err := app.websocket.Close(); err != nil {
		log.Warn().Err(err).Str("service", "ws").Msg("close websockets")
	}

	if err := app.Events.Close(waitIdleConnCtx); err != nil {
		log.Error().Err(err).Str("service", "ws").Msg("event publisher was not drained")
	}

	if err := app.Media.Close(); err != nil {
		log.Error().Err(err).Str("service", "ws").Msg("close media engine")
	}

	log.Info().Msg("all services are stopped")

	return reason
}

func (app *WsApp) initLogger() {
	cw := zerolog.NewConsoleWriter()
	log.Logger = log.Output(cw)

	level := zerolog.InfoLevel

	if app.Env.IsDevelopment() {
		level = zerolog.DebugLevel
	}

	if app.Config.LogLevel != "" {
		parsed, err := zerolog.ParseLevel(app.Config.LogLevel)
		if err != nil {
			log.Warn().Err(err).Str("logLevel", app.Config.LogLevel).Msg("unknown log level")
		} else {
			level = parsed
		}
	}

	zerolog.SetGlobalLevel(level)
}

// Handler constructs the http router. It must be called once.
func (app *WsApp) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	app.websocket.HandleConnect(ConnectHandler(app.Hub))
	app.websocket.HandleDisconnect(DisconnectHandler(app.Engine, app.Hub))
	app.websocket.HandleMessage(HandleMessage(app.Engine))
	app.websocket.HandleError(func(s *melody.Session, err error) {
		log.Error().Err(err).Str("service", "ws").Msg("error in websocket session")
	})

	r.Get("/healthz", HealthHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(app.auth.Middleware())

		r.Get("/ws", WsHandler(app.websocket))
		r.Get("/api/v1/rooms", RoomsHandler(app.Engine))
	})

	return r
}
