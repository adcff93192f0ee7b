package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/a-essam23/go-relay/internal/engine"
	"github.com/a-essam23/go-relay/internal/history"
	"github.com/a-essam23/go-relay/internal/router"
	"github.com/a-essam23/go-relay/internal/server/middleware"
	"github.com/a-essam23/go-relay/pkg/config"
	"github.com/a-essam23/go-relay/pkg/events"
	"github.com/a-essam23/go-relay/pkg/metrics"
	"github.com/a-essam23/go-relay/pkg/state"
	"github.com/a-essam23/go-relay/pkg/state/statemanager"
	"github.com/a-essam23/go-relay/pkg/store"
	"github.com/a-essam23/go-relay/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	logger       *slog.Logger
	stateManager state.Manager
	engine       *engine.Engine
	eventRouter  *router.EventRouter
	recorder     *history.Recorder
	metrics      *metrics.Metrics
	wg           sync.WaitGroup
	http         *http.Server
	handler      http.Handler
	config       *config.Config

	dataService store.DataService
	publisher   events.Publisher

	shutdownOnce sync.Once
	shutdownErr  error

	ctx context.Context
}

type Option func(*App)

// WithDataService sets the store chat history is written to. Defaults to an
// in-memory store.
func WithDataService(ds store.DataService) Option {
	return func(a *App) {
		a.dataService = ds
	}
}

// WithEventPublisher exports every published message, e.g. to NATS.
func WithEventPublisher(pub events.Publisher) Option {
	return func(a *App) {
		a.publisher = pub
	}
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, opts ...Option) *App {
	app := &App{
		logger: logger,
		config: cfg,
		ctx:    rootCtx,
	}
	for _, opt := range opts {
		opt(app)
	}
	if app.dataService == nil {
		app.dataService = store.NewMemory()
	}

	stateManager := statemanager.NewInMemoryManager(logger)
	app.stateManager = stateManager
	app.engine = engine.New(logger, stateManager, engine.Options{
		StrictMembership: cfg.Relay.StrictMembership,
		EchoToSender:     cfg.Relay.EchoToSender,
	})

	if cfg.Metrics.Enabled {
		app.metrics = metrics.New(stateManager.RoomCount)
		app.engine.Subscribe(app.metrics)
	}
	if cfg.History.Enabled {
		app.recorder = history.NewRecorder(logger, app.dataService, cfg.History.Table, cfg.History.Buffer)
		app.engine.Subscribe(app.recorder)
	}
	if app.publisher != nil {
		app.engine.Subscribe(events.NewNATSExporter(logger, app.publisher, cfg.NATS.SubjectPrefix))
	}

	// validated by config.Load
	rateLimit, _ := config.ParseRateLimit(cfg.Relay.RateLimit)
	app.eventRouter = router.NewEventRouter(logger, stateManager, app.engine,
		router.WithRateLimit(rateLimit),
		router.WithRejectionCounter(app.metrics),
	)

	mux := http.NewServeMux()
	// Create a cycler function that closes over the stateManager and logger.
	connCycler := func(userID string) {
		oldest, found := stateManager.FindOldestUserConnection(userID)
		if found {
			logger.Info("Cycling connection: closing oldest", slog.String("userID", userID), slog.String("connID", oldest.ID.String()))
			oldest.Transport.Close(errors.New("connection cycled by new connection"))
		}
	}

	base := []middleware.Middleware{
		middleware.RequestMetadataMiddleware(cfg.Server.TrustProxy),
		middleware.NewRequestLogger(app.logger),
		middleware.NewAuthMiddleware(logger, cfg.Server.Auth.JWTSecret),
	}
	mux.Handle("GET /ws",
		middleware.Chain(http.HandlerFunc(app.upgradeHandler),
			append(base,
				middleware.NewConnectionLimiter(
					logger,
					stateManager.UserConnectionCount,
					connCycler,
					cfg.Server.ConnectionLimit,
				),
			)...,
		),
	)
	mux.Handle("GET /api/chat/room/{roomId}", middleware.Chain(http.HandlerFunc(app.listMessages), base...))
	mux.Handle("POST /api/chat/room/{roomId}", middleware.Chain(http.HandlerFunc(app.postMessage), base...))
	mux.HandleFunc("GET /api/test", app.apiTest)
	if app.metrics != nil {
		mux.Handle("GET /metrics", app.metrics.Handler())
	}
	app.handler = mux

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

// Handler exposes the routes, e.g. for httptest servers.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Engine exposes the message router for embedding callers.
func (a *App) Engine() *engine.Engine {
	return a.engine
}

func (a *App) StateManager() state.Manager {
	return a.stateManager
}

// Start launches background workers without binding a listener.
func (a *App) Start(ctx context.Context) error {
	if a.recorder != nil {
		return a.recorder.Start(ctx)
	}
	return nil
}

// Run serves until the root context is cancelled or the listener fails,
// then shuts down.
func (a *App) Run() error {
	g, ctx := errgroup.WithContext(a.ctx)
	// the recorder outlives ctx so it can flush during Shutdown.
	if err := a.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	g.Go(func() error {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return a.Shutdown()
	})
	return g.Wait()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok {
		reqMeta = &middleware.RequestMetadata{IP: r.RemoteAddr}
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: len(a.config.Server.AllowedOrigins) == 0,
		OriginPatterns:     a.config.Server.AllowedOrigins,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		a.logger,
	)
	// register new connection
	stateConn := a.stateManager.Register(conn, reqMeta.UserID, reqMeta.IP)
	connID := stateConn.ID
	connLogger := a.logger.With(
		slog.String("connID", connID.String()),
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.UserID),
	)

	conn.SetOnMessageHandler(func(ctx context.Context, msg []byte) {
		a.eventRouter.HandleMessage(ctx, connID, msg)
	})
	conn.SetOnCloseHandler(func(err error) {
		connLogger.Info("Deregistering connection due to closure", slog.Any("reason", err))
		a.disconnect(connID)
	})
	a.metrics.ConnectionOpened()

	hello, err := engine.EncodeResponse(engine.EventConnected, map[string]string{"connectionId": connID.String()})
	if err != nil {
		connLogger.Error("Failed to encode connected event", slog.Any("error", err))
	} else if err := conn.Send(hello); err != nil {
		connLogger.Warn("Failed to send connected event", slog.Any("error", err))
	}

	connLogger.Info("Connection fully established")
	conn.Run()
	<-conn.Done()
}

// disconnect evicts the connection from the registry and from every room it
// had joined. Events still in flight for it are discarded by the router.
func (a *App) disconnect(connID uuid.UUID) {
	rooms := a.stateManager.Unregister(connID)
	for _, roomID := range rooms {
		a.stateManager.Leave(roomID, connID)
	}
	a.eventRouter.Forget(connID)
	a.metrics.ConnectionClosed()
}

// graceful shutdown sequence. Safe to call more than once.
func (a *App) Shutdown() error {
	a.shutdownOnce.Do(func() {
		a.shutdownErr = a.shutdown()
	})
	return a.shutdownErr
}

func (a *App) shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	for _, conn := range a.stateManager.Connections() {
		conn.Transport.Close(errors.New("graceful shutdown"))
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()

	if a.recorder != nil {
		if err := a.recorder.Stop(shutdownCtx); err != nil {
			return err
		}
	}
	a.logger.Info("Server shut down gracefully.")
	return nil
}
