// Package daemon implements the daemon lifecycle manager: it owns the bus,
// the correlation engine's shard workers, the control socket and the
// metrics server, and drives their startup, reload and graceful shutdown.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/otus/internal/bus"
	"firestige.xyz/otus/internal/command"
	"firestige.xyz/otus/internal/config"
	"firestige.xyz/otus/internal/log"
	"firestige.xyz/otus/internal/management"
	"firestige.xyz/otus/internal/metrics"
	"firestige.xyz/otus/internal/persistence"
	"firestige.xyz/otus/internal/rtpr"
	"firestige.xyz/otus/internal/sipcall"
	"firestige.xyz/otus/internal/sipmsg"
	"firestige.xyz/otus/internal/siptxn"
	"firestige.xyz/otus/internal/udf"
)

// Daemon manages the otus correlation-engine daemon process lifecycle.
type Daemon struct {
	// Configuration
	config     *config.GlobalConfig
	configPath string
	socketPath string
	pidFile    string

	// Core components
	bus           *bus.Bus
	sink          persistence.Sink
	dispatcher    *udf.Dispatcher
	ingest        *sipmsg.Handler
	cmdHandler    *command.CommandHandler
	udsServer     *command.UDSServer
	metricsServer *metrics.Server // nil if metrics disabled

	mu        sync.Mutex
	shardsRun int // number of per-shard worker goroutines started

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	sigChan      chan os.Signal // promoted from Run() local for cleanup in Stop()
}

// New creates a new Daemon instance.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	globalConfig, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	d := &Daemon{
		config:       globalConfig,
		configPath:   configPath,
		socketPath:   socketPath,
		pidFile:      pidFile,
		shutdownChan: make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	return d, nil
}

// Snapshot implements command.EngineStats.
func (d *Daemon) Snapshot() map[string]interface{} {
	d.mu.Lock()
	shards := d.shardsRun
	d.mu.Unlock()

	result := map[string]interface{}{
		"hostname": d.config.Node.Hostname,
		"shards":   shards,
	}
	if d.bus != nil {
		result["bus_endpoints"] = len(d.bus.Endpoints())
	}
	return result
}

func parseDurationDefault(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		log.GetLogger().WithField("value", raw).WithError(err).Warn("daemon: invalid duration, using default")
		return def
	}
	return dur
}

func topicForShard(prefix string, shard int) string {
	return prefix + "_" + strconv.Itoa(shard)
}

// Start initializes and starts all daemon components: the bus, every
// correlation engine aggregator shard, the control socket and metrics.
func (d *Daemon) Start() error {
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	logger := log.GetLogger()
	logger.WithField("hostname", d.config.Node.Hostname).
		WithField("config", d.configPath).
		WithField("socket", d.socketPath).
		Info("daemon: starting otus daemon")

	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	d.bus = bus.New(1024)

	writer := persistence.NewMemoryWriter()
	d.sink = persistence.NewBatchingSink(writer, 500, time.Second)

	d.dispatcher = udf.New(
		d.bus,
		parseDurationDefault(d.config.UDF.CheckPeriod, 5*time.Minute),
		parseDurationDefault(d.config.UDF.ExecutionTimeout, 100*time.Millisecond),
	)

	d.startEngine()

	d.cmdHandler = command.NewCommandHandler(d, d)
	d.cmdHandler.SetShutdownFunc(func() {
		logger.Info("daemon: shutdown triggered via daemon_shutdown command")
		close(d.shutdownChan)
	})

	d.udsServer = command.NewUDSServer(d.socketPath, d.cmdHandler)
	go func() {
		if err := d.udsServer.Start(d.ctx); err != nil && err != context.Canceled {
			logger.WithError(err).Error("daemon: uds server failed")
		}
	}()

	logger.Info("daemon: started successfully")
	return nil
}

// startEngine starts one worker goroutine per shard for every aggregator
// kind, sized from config.Vertx.Instances.
func (d *Daemon) startEngine() {
	logger := log.GetLogger()

	instances := d.config.Vertx.Instances
	if instances <= 0 {
		instances = 1
	}
	timeSuffix := d.config.TimeSuffix

	txnExpirationDelay := parseDurationDefault(d.config.SIP.Transaction.ExpirationDelay, 4*time.Second)
	txnTerminationTimeout := parseDurationDefault(d.config.SIP.Transaction.TerminationTimeout, 32*time.Second)

	started := 0
	run := func(name string, fn func(context.Context) error) {
		started++
		go func() {
			if err := fn(d.ctx); err != nil && d.ctx.Err() == nil {
				logger.WithField("aggregator", name).WithError(err).Error("daemon: aggregator exited")
			}
		}()
	}

	for shard := 0; shard < instances; shard++ {
		topic := topicForShard("sip_call", shard)
		agg := siptxn.New(d.bus, d.dispatcher, d.sink, topic, shard, txnTerminationTimeout, txnExpirationDelay, timeSuffix)
		run(topic, agg.Run)
	}
	for shard := 0; shard < instances; shard++ {
		topic := topicForShard("sip_register", shard)
		agg := siptxn.New(d.bus, d.dispatcher, d.sink, topic, shard, txnTerminationTimeout, txnExpirationDelay, timeSuffix)
		run(topic, agg.Run)
	}
	for _, method := range []string{"sip_notify", "sip_message", "sip_options", "sip_subscribe"} {
		topic := topicForShard(method, 0)
		agg := siptxn.New(d.bus, d.dispatcher, d.sink, topic, 0, txnTerminationTimeout, txnExpirationDelay, timeSuffix)
		run(topic, agg.Run)
	}
	for shard := 0; shard < instances; shard++ {
		agg := sipcall.New(d.bus, d.dispatcher, d.sink, shard, instances, txnTerminationTimeout, txnExpirationDelay, timeSuffix)
		run(topicForShard("sip_call_agg", shard), agg.Run)
	}

	rtprAgg := rtpr.New(
		d.bus, d.sink,
		d.config.Media.RTPR.CumulativeMetrics,
		parseDurationDefault(d.config.Media.RTPR.AggregationTimeout, 30*time.Second),
		parseDurationDefault(d.config.Media.RTPR.ExpirationDelay, 4*time.Second),
		timeSuffix,
	)
	run("rtpr", rtprAgg.Run)

	registry := management.New(
		d.bus, d.sink,
		d.config.Management.URI,
		parseDurationDefault(d.config.Management.ExpirationDelay, 60*time.Second),
		parseDurationDefault(d.config.Management.ExpirationTimeout, 120*time.Second),
	)
	run("management", registry.Run)

	// sipmsg.Handler has no wired packet source yet; constructing it here
	// makes the ingest entry point ready for the capture front end to call.
	d.ingest = sipmsg.New(d.bus, instances, d.config.SIP.Message.Exclusions)

	d.mu.Lock()
	d.shardsRun = started
	d.mu.Unlock()
}

// Stop performs graceful shutdown of all daemon components.
func (d *Daemon) Stop() {
	logger := log.GetLogger()
	logger.Info("daemon: initiating graceful shutdown")

	if d.udsServer != nil {
		logger.Info("daemon: stopping uds server")
		d.udsServer.Stop()
	}

	if d.metricsServer != nil {
		logger.Info("daemon: stopping metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Error("daemon: error stopping metrics server")
		}
	}

	d.cancel()

	if d.sink != nil {
		d.sink.Close()
	}
	if d.bus != nil {
		d.bus.Close()
	}

	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	if err := d.removePIDFile(); err != nil {
		logger.WithError(err).Error("daemon: error removing PID file")
	}

	logger.Info("daemon: stopped gracefully")
}

// Run runs the daemon main loop, blocking until shutdown is triggered.
// Shutdown can be triggered by:
//  1. OS signals (SIGTERM, SIGINT)
//  2. daemon_shutdown command via the control socket
//  3. SIGHUP triggers config reload
func (d *Daemon) Run() error {
	logger := log.GetLogger()

	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	logger.Info("daemon: running, waiting for signals or commands")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				logger.WithField("signal", sig.String()).Info("daemon: received shutdown signal")
				d.Stop()
				return nil
			case syscall.SIGHUP:
				logger.Info("daemon: received reload signal")
				if err := d.Reload(); err != nil {
					logger.WithError(err).Error("daemon: failed to reload config")
				} else {
					logger.Info("daemon: configuration reloaded successfully")
				}
			}

		case <-d.shutdownChan:
			logger.Info("daemon: shutdown triggered by command")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			logger.WithError(d.ctx.Err()).Info("daemon: context cancelled")
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Reload reloads the global configuration.
// Hot-reloadable: log level/format.
// Cold (requires restart): node.hostname, shard topology, listen addresses.
// Implements command.ConfigReloader.
func (d *Daemon) Reload() error {
	logger := log.GetLogger()
	logger.WithField("path", d.configPath).Info("daemon: reloading configuration")

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	hotReloaded := []string{}

	oldLevel := d.config.Log.Level
	oldFormat := d.config.Log.Format
	oldHostname := d.config.Node.Hostname
	oldMetricsListen := d.config.Metrics.Listen
	oldInstances := d.config.Vertx.Instances

	d.config = newConfig
	if err := d.initLogging(); err != nil {
		logger.WithError(err).Error("daemon: failed to reinitialize logging")
	} else if newConfig.Log.Level != oldLevel || newConfig.Log.Format != oldFormat {
		hotReloaded = append(hotReloaded, "log")
	}

	requiresRestart := []string{}
	if newConfig.Node.Hostname != oldHostname {
		requiresRestart = append(requiresRestart, "node.hostname")
	}
	if newConfig.Metrics.Listen != oldMetricsListen {
		requiresRestart = append(requiresRestart, "metrics.listen")
	}
	if newConfig.Vertx.Instances != oldInstances {
		requiresRestart = append(requiresRestart, "vertx.instances")
	}

	log.GetLogger().
		WithField("hot_reloaded", hotReloaded).
		WithField("requires_restart", requiresRestart).
		Info("daemon: configuration reloaded")

	return nil
}

// TriggerShutdown triggers graceful shutdown from an external caller (e.g.,
// the daemon_shutdown command).
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
	}
}

func (d *Daemon) initLogging() error {
	log.Init(&log.LoggerConfig{
		Level:   d.config.Log.Level,
		Pattern: "%time[%level] - %msg\n",
		Time:    "2006-01-02 15:04:05",
	})
	return nil
}

func (d *Daemon) startMetrics() error {
	logger := log.GetLogger()
	if !d.config.Metrics.Enabled {
		logger.Info("daemon: metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	if err := d.metricsServer.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	logger.WithField("addr", d.config.Metrics.Listen).WithField("path", d.config.Metrics.Path).
		Info("daemon: metrics server started")
	return nil
}

func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}
	log.GetLogger().WithField("path", d.pidFile).WithField("pid", pid).Debug("daemon: PID file written")
	return nil
}

func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}
	log.GetLogger().WithField("path", d.pidFile).Debug("daemon: PID file removed")
	return nil
}
