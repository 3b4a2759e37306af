// Command maestrod runs the long-lived Maestro desktop server: the
// session registry, agent supervisor, Auto Run scheduler, and remote
// control gateway, all wired to the local GUI and any authenticated
// remote clients over a single port.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/maestro/engine/internal/agent"
	"github.com/maestro/engine/internal/agent/adapters/claudecode"
	"github.com/maestro/engine/internal/agent/adapters/codex"
	"github.com/maestro/engine/internal/autorun"
	"github.com/maestro/engine/internal/coreconfig"
	"github.com/maestro/engine/internal/corelog"
	"github.com/maestro/engine/internal/engine"
	"github.com/maestro/engine/internal/eventbus"
	gatewayhttp "github.com/maestro/engine/internal/gateway/http"
	gatewayws "github.com/maestro/engine/internal/gateway/websocket"
	"github.com/maestro/engine/internal/history"
	"github.com/maestro/engine/internal/session"
	"github.com/maestro/engine/internal/supervisor"
)

func main() {
	// 1. Load configuration.
	cfg, err := coreconfig.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger.
	log, err := corelog.New(corelog.Config(cfg.Logging))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	corelog.SetDefault(log)

	log.Info("starting maestrod")

	// 3. Cancellable root context.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Event bus: in-memory by default, NATS if configured.
	var bus eventbus.Bus
	if cfg.Events.Backend == "nats" {
		natsBus, err := eventbus.DialNatsBus(cfg.Events.NATSURL)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		bus = natsBus
		defer natsBus.Close()
		log.Info("connected to NATS event bus", zap.String("url", cfg.Events.NATSURL))
	} else {
		bus = eventbus.NewMemoryBus(log)
		log.Info("using in-memory event bus")
	}

	// 5. Agent adapter registry.
	agents := agent.NewRegistry()
	agents.Register(claudecode.New())
	agents.Register(codex.New())
	log.Info("registered agent adapters", zap.Int("count", len(agents.List())))

	// 6. Session registry, loaded from disk.
	sessions := session.NewRegistry(cfg.ConfigDir, agents, log)
	if err := sessions.Load(); err != nil {
		log.Warn("failed to load sessions.json, starting empty", zap.Error(err))
	}

	// 7. Agent process supervisor.
	sup := supervisor.New(agents, sessions, bus, log, cfg.Agent.SearchPath)

	// 8. Auto Run scheduler and batch manager.
	hist := history.NewWriter(cfg.ConfigDir, log)
	stats := autorun.NewStatsStore(cfg.ConfigDir)
	sched := autorun.New(sessions, sup, bus, hist, stats, log)
	runs := autorun.NewManager(sched)

	// 9. Opaque GUI preferences and per-installation remote token.
	settings := coreconfig.NewSettings(cfg.ConfigDir)
	token, err := settings.GatewayToken()
	if err != nil {
		log.Fatal("failed to mint gateway token", zap.Error(err))
	}

	// 10. Composition root.
	eng := engine.New(sessions, sup, runs, settings, bus, log)
	eng.Reconcile(scanVCS)

	// ============================================
	// REMOTE CONTROL GATEWAY
	// ============================================
	log.Info("initializing remote control gateway")

	hub := gatewayws.NewHub(eng, bus, token, log)
	hub.Subscribe()
	go hub.Run(ctx)

	restServer := gatewayhttp.NewServer(eng, token)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/ws", func(c *gin.Context) { hub.HandleConnection(c.Writer, c.Request) })
	restServer.Register(router.Group("/api"))
	router.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "maestrod"})
	})

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Gateway.Port),
		Handler: router,
		ReadTimeout: time.Duration(cfg.Gateway.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Gateway.WriteTimeout) * time.Second,
	}

	go func() {
		log.Info("gateway listening", zap.Int("port", cfg.Gateway.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("gateway server failed", zap.Error(err))
		}
	}()

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down maestrod")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("gateway shutdown error", zap.Error(err))
	}

	log.Info("maestrod stopped")
}

// scanVCS is a placeholder hook for session reconcile at startup; a full
// git status scan is deliberately out of scope for the daemon's own
// concerns and is supplied by internal/autorun's WorktreeManager when a
// session actually needs it.
func scanVCS(workDir string) session.VCSState {
	return session.VCSState{}
}
