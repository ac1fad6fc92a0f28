// Command tasd is the TCP acceleration dataplane daemon: one poll-loop
// goroutine per fast-path core (SPEC_FULL.md §4.4-§4.5), a single
// slow-path handshake/congestion-control event loop (§4.7), the
// application control-channel handshake listener (§4.9), and an
// introspection/control RPC surface (§4.10) exposed to tasctl.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"connectrpc.com/grpchealth"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/tcp-acceleration-service/tas-sub000/internal/appif"
	"github.com/tcp-acceleration-service/tas-sub000/internal/config"
	"github.com/tcp-acceleration-service/tas-sub000/internal/dataplane"
	"github.com/tcp-acceleration-service/tas-sub000/internal/flowtable"
	"github.com/tcp-acceleration-service/tas-sub000/internal/linkport"
	"github.com/tcp-acceleration-service/tas-sub000/internal/metrics"
	"github.com/tcp-acceleration-service/tas-sub000/internal/packetmem"
	"github.com/tcp-acceleration-service/tas-sub000/internal/qman"
	"github.com/tcp-acceleration-service/tas-sub000/internal/server"
	"github.com/tcp-acceleration-service/tas-sub000/internal/slowpath"
	appversion "github.com/tcp-acceleration-service/tas-sub000/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// ccTickFallback is used when slowpath.cc_tick_interval_ms is unset.
const ccTickFallback = 10 * time.Millisecond

// qmanQuantum is the per-core token-bucket quantum (bytes) used to
// size qman.Manager's deficit round-robin scheduling.
const qmanQuantum = 1 << 16

// flowtableLoadFactor sizes the shared flow hash table relative to the
// maximum number of flows the memory budget allows. The headroom keeps
// free slots near each home bucket, which the flow table's hopscotch
// insert needs to place a new entry.
const flowtableLoadFactor = 2

// flightRecorderMinAge and flightRecorderMaxBytes bound the rolling
// execution-trace window kept for post-mortem debugging.
const (
	flightRecorderMinAge   = 500 * time.Millisecond
	flightRecorderMaxBytes = 2 * 1024 * 1024
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	ipAddr := flag.String("ip-addr", "", "service IP address with prefix, e.g. 10.0.0.1/24 (overrides config)")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *ipAddr)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()))
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("tasd starting",
		slog.String("version", appversion.Version),
		slog.String("grpc_addr", cfg.GRPC.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.Int("cores_max", cfg.Fastpath.CoresMax),
	)

	fr := startFlightRecorder(logger)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	if err := runServers(cfg, collector, reg, logger, *configPath, logLevel, fr); err != nil {
		logger.Error("tasd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("tasd stopped")
	return 0
}

// daemonState bundles every long-lived component runServers assembles,
// so helper functions can take one argument instead of a dozen.
type daemonState struct {
	cfg       *config.Config
	cores     []*dataplane.Core
	dp        *tasDataplane
	mgr       *slowpath.Manager
	loop      *slowpath.Loop
	appReg    *appif.Registry
	appSrv    *appServer
	events    *eventBroadcaster
	collector *metrics.Collector
	logger    *slog.Logger
	started   time.Time
}

// runServers builds the dataplane, slow path, and RPC surfaces, then
// runs them under an errgroup with a signal-aware context for
// graceful shutdown, mirroring the teacher daemon's top-level
// structure.
func runServers(
	cfg *config.Config,
	collector *metrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
	fr *trace.FlightRecorder,
) error {
	st, err := buildDaemonState(cfg, collector, logger)
	if err != nil {
		return fmt.Errorf("build daemon state: %w", err)
	}

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	introspectionSrv := newIntrospectionServer(cfg.GRPC, st, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	for _, core := range st.cores {
		c := core
		g.Go(func() error {
			c.Run(gCtx)
			return nil
		})
	}

	g.Go(func() error {
		return st.loop.Run(gCtx)
	})

	g.Go(func() error {
		st.appSrv.Run()
		return nil
	})

	startHTTPServers(gCtx, g, cfg, introspectionSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, logger)

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, st, logger, fr, introspectionSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// buildDaemonState constructs every fast-path core, the shared flow
// table and dataplane adapter, the slow-path manager/loop, and the
// application registration listener.
func buildDaemonState(cfg *config.Config, collector *metrics.Collector, logger *slog.Logger) (*daemonState, error) {
	prefix, err := cfg.Fastpath.IPPrefix()
	if err != nil {
		return nil, err
	}
	localIP := addrToIP4(prefix.Addr())

	dp := newTasDataplane()

	flowEntries := int(cfg.Memory.InternalMemSize/flowstateBudgetPerFlow) * flowtableLoadFactor
	if flowEntries < flowtableLoadFactor {
		flowEntries = 1024 * flowtableLoadFactor
	}
	table := flowtable.New(flowEntries, dp)

	cores := make([]*dataplane.Core, cfg.Fastpath.CoresMax)
	for i := range cores {
		port, err := newLinkPort(cfg.Fastpath, i, logger)
		if err != nil {
			return nil, fmt.Errorf("core %d: %w", i, err)
		}
		qm := qman.New(qmanQuantum)
		cores[i] = dataplane.NewCore(i, port, table, qm, nil)
	}
	dp.setCores(cores)

	arena := packetmem.New(cfg.Memory.InternalMemSize)

	var gateway netip.Addr
	if cfg.Fastpath.Gateway != "" {
		gateway, err = netip.ParseAddr(cfg.Fastpath.Gateway)
		if err != nil {
			return nil, fmt.Errorf("parse fastpath.gateway %q: %w", cfg.Fastpath.Gateway, err)
		}
	}
	routes, err := slowpath.NewRouteTable(prefix, gateway)
	if err != nil {
		return nil, fmt.Errorf("build route table: %w", err)
	}

	events := newEventBroadcaster()

	tickInterval := time.Duration(cfg.Slowpath.CCTickIntervalMs) * time.Millisecond
	if tickInterval <= 0 {
		tickInterval = ccTickFallback
	}

	mgr := slowpath.NewManager(dp, nil, routes, cfg.Slowpath, cfg.CC, localIP, logger, nil)
	arp := slowpath.NewArpCache(newTasArpResolver(mgr))
	// mgr was constructed with a placeholder nil ArpCache above so the
	// resolver closure can capture mgr itself; wire the real cache in
	// now that both halves of the cycle exist.
	mgr = slowpath.NewManager(dp, arp, routes, cfg.Slowpath, cfg.CC, localIP, logger, nil)
	mgr.OnEvent(func(eventType string, flowID uint32, detail string) {
		if eventType == "CONN_CLOSED" {
			dp.removeFlow(flowID)
		}
		events.publish(eventType, flowID, detail)
	})

	tx := newTasTxHooks(dp)
	loop := slowpath.NewLoop(mgr, tx, tickInterval, logger)

	appReg := appif.NewRegistry()
	appSrv, err := newAppServer(appReg, cores, arena, logger)
	if err != nil {
		return nil, fmt.Errorf("start app server: %w", err)
	}

	return &daemonState{
		cfg:       cfg,
		cores:     cores,
		dp:        dp,
		mgr:       mgr,
		loop:      loop,
		appReg:    appReg,
		appSrv:    appSrv,
		events:    events,
		collector: collector,
		logger:    logger,
		started:   time.Now(),
	}, nil
}

// flowstateBudgetPerFlow approximates the bytes the internal-memory
// arena reserves per flow (flow state, two rx/tx buffer handles, and
// one app ring slot), used only to size the flow hash table; it is not
// a wire constant.
const flowstateBudgetPerFlow = 4096

// newLinkPort builds the link port for one core: a raw AF_PACKET
// socket against fastpath.kni_name when set, else an in-memory Mock
// suitable for development and the common case where no interface is
// wired up yet.
func newLinkPort(cfg config.FastpathConfig, core int, logger *slog.Logger) (linkport.Port, error) {
	if cfg.KNIName == "" {
		return linkport.NewMock(), nil
	}
	port, err := linkport.NewRawSocket(cfg.KNIName)
	if err != nil {
		logger.Warn("raw socket unavailable, falling back to mock link port",
			slog.Int("core", core), slog.String("interface", cfg.KNIName), slog.String("error", err.Error()))
		return linkport.NewMock(), nil
	}
	return port, nil
}

// startHTTPServers registers the introspection and metrics HTTP server
// goroutines.
func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	introspectionSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("introspection server listening", slog.String("addr", cfg.GRPC.Addr))
		return listenAndServe(ctx, &lc, introspectionSrv, cfg.GRPC.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr), slog.String("path", cfg.Metrics.Path))
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

// startDaemonGoroutines registers the systemd watchdog and SIGHUP
// log-level-reload goroutines.
func startDaemonGoroutines(ctx context.Context, g *errgroup.Group, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// Systemd integration — sd_notify + watchdog
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval), slog.Duration("keepalive_interval", tickInterval))

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", err.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP reload — log level only; fastpath/CC tunables require a
// restart since they size the cores and flow table at construction.
// -------------------------------------------------------------------------

func handleSIGHUP(ctx context.Context, sigHUP <-chan os.Signal, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading log level")
			newCfg, err := loadConfig(configPath, "")
			if err != nil {
				logger.Error("failed to reload configuration, keeping current settings", slog.String("error", err.Error()))
				continue
			}
			old := logLevel.Level()
			next := config.ParseLogLevel(newCfg.Log.Level)
			logLevel.Set(next)
			logger.Info("log level reloaded", slog.String("old", old.String()), slog.String("new", next.String()))
		}
	}
}

// -------------------------------------------------------------------------
// Graceful shutdown
// -------------------------------------------------------------------------

func gracefulShutdown(ctx context.Context, st *daemonState, logger *slog.Logger, fr *trace.FlightRecorder, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	if err := st.appSrv.Close(); err != nil {
		logger.Warn("error closing app server", slog.String("error", err.Error()))
	}

	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Flight recorder — Go 1.26 runtime/trace
// -------------------------------------------------------------------------

func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder", slog.String("error", err.Error()))
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge), slog.Uint64("max_bytes", flightRecorderMaxBytes))
	return fr
}

// -------------------------------------------------------------------------
// Server setup
// -------------------------------------------------------------------------

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newIntrospectionServer wires internal/server's Sources bundle to the
// live dataplane/slow-path state and wraps the resulting mux with h2c
// for plaintext HTTP/2 ConnectRPC, plus a standard gRPC health check.
func newIntrospectionServer(cfg config.GRPCConfig, st *daemonState, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()

	sources := server.Sources{
		Flows:     flowSource{mgr: st.mgr, dp: st.dp},
		Apps:      appSource{reg: st.appReg},
		Listeners: listenerSource{mgr: st.mgr},
		Status:    statusSource{mgr: st.mgr, reg: st.appReg, cores: len(st.cores), started: st.started},
		Events:    st.events,
	}
	mux.Handle("/", server.New(sources, logger))

	checker := grpchealth.NewStaticChecker(grpchealth.HealthV1ServiceName, server.ServiceName)
	mux.Handle(grpchealth.NewHandler(checker))

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// -------------------------------------------------------------------------
// Config + logging
// -------------------------------------------------------------------------

func loadConfig(path string, ipAddrFlag string) (*config.Config, error) {
	var cfg *config.Config
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		cfg = loaded
	} else {
		cfg = config.DefaultConfig()
	}

	if ipAddrFlag != "" {
		cfg.Fastpath.IPAddr = ipAddrFlag
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
