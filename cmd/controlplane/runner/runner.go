/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package runner

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	uberzap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
	"k8s.io/utils/ptr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/nanofaas/control-plane/internal/runnable"
	cptls "github.com/nanofaas/control-plane/internal/tls"
	logutil "github.com/nanofaas/control-plane/pkg/common/observability/logging"
	"github.com/nanofaas/control-plane/pkg/common/observability/profiling"
	"github.com/nanofaas/control-plane/pkg/controlplane/dispatch"
	"github.com/nanofaas/control-plane/pkg/controlplane/execution"
	"github.com/nanofaas/control-plane/pkg/controlplane/invocation"
	"github.com/nanofaas/control-plane/pkg/controlplane/metrics"
	"github.com/nanofaas/control-plane/pkg/controlplane/queue"
	"github.com/nanofaas/control-plane/pkg/controlplane/ratelimit"
	"github.com/nanofaas/control-plane/pkg/controlplane/registry"
	"github.com/nanofaas/control-plane/pkg/controlplane/runtimeconfig"
	"github.com/nanofaas/control-plane/pkg/controlplane/scheduler"
	"github.com/nanofaas/control-plane/pkg/controlplane/syncqueue"
	"github.com/nanofaas/control-plane/pkg/controlplane/types"
	"github.com/nanofaas/control-plane/pkg/controlplane/util/env"
	"github.com/nanofaas/control-plane/version"
)

var (
	// Flags
	metricsPort          = flag.Int("metrics-port", 9090, "The port serving metrics, health and pprof endpoints")
	configFile           = flag.String("config-file", "", "Path to an optional YAML bootstrap file. Changes to its hot-reloadable values are applied while running")
	secureServing        = flag.Bool("secure-serving", false, "Serve the metrics endpoint over TLS")
	certPath             = flag.String("cert-path", "", "Directory holding tls.crt and tls.key for secure serving. A self-signed certificate is used when empty")
	logVerbosity         = flag.Int("v", logutil.DEFAULT, "number for the log level verbosity")
	enablePprof          = flag.Bool("enable-pprof", true, "Enables pprof handlers. Defaults to true. Set to false to disable pprof handlers.")
	strictTransitions    = flag.Bool("strict-transitions", false, "Reject invalid execution state transitions instead of logging and applying them")
	localBackendAllModes = flag.Bool("local-backend-all-modes", true, "Serve POOL and DEPLOYMENT functions with the in-process backend")
	shutdownTimeout      = flag.Duration("shutdown-timeout", 10*time.Second, "How long to wait for in-flight dispatches at shutdown")

	// Logging
	setupLog = ctrl.Log.WithName("setup")
)

// NewRunner returns a Runner that serves functions with the in-process echo backend.
func NewRunner() *Runner {
	return &Runner{
		executableName: "nanofaas-control-plane",
		backends:       map[types.ExecutionMode]dispatch.Backend{},
		localHandlers:  map[string]dispatch.Handler{},
	}
}

// Runner wires and runs the control plane.
type Runner struct {
	executableName string
	backends       map[types.ExecutionMode]dispatch.Backend
	localHandlers  map[string]dispatch.Handler
}

// WithExecutableName sets the name of the executable containing the runner.
// The name is used in the version log upon startup and is otherwise opaque.
func (r *Runner) WithExecutableName(exeName string) *Runner {
	r.executableName = exeName
	return r
}

// WithBackend serves mode with b instead of the in-process backend.
func (r *Runner) WithBackend(mode types.ExecutionMode, b dispatch.Backend) *Runner {
	r.backends[mode] = b
	return r
}

// WithLocalHandler installs h for function on the in-process backend.
func (r *Runner) WithLocalHandler(function string, h dispatch.Handler) *Runner {
	r.localHandlers[function] = h
	return r
}

func bindEnvToFlags() {
	// map[ENV_VAR]flagName
	for env, flg := range map[string]string{
		"METRICS_PORT":            "metrics-port",
		"CONFIG_FILE":             "config-file",
		"ENABLE_PPROF":            "enable-pprof",
		"STRICT_TRANSITIONS":      "strict-transitions",
		"LOCAL_BACKEND_ALL_MODES": "local-backend-all-modes",
		"SHUTDOWN_TIMEOUT":        "shutdown-timeout",
		"SECURE_SERVING":          "secure-serving",
		"CERT_PATH":               "cert-path",
	} {
		if v := os.Getenv(env); v != "" {
			// ignore error; Parse() will catch invalid values later
			_ = flag.Set(flg, v)
		}
	}
}

func (r *Runner) Run(ctx context.Context) error {
	setupLog.Info(r.executableName+" build", "commit-sha", version.CommitSHA, "build-ref", version.BuildRef)

	// Defaults already baked into flag declarations
	// Load env vars as "soft" overrides
	bindEnvToFlags()

	opts := zap.Options{Development: true}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()
	initLogging(&opts)

	// Print all flag values
	flags := make(map[string]any)
	flag.VisitAll(func(f *flag.Flag) {
		flags[f.Name] = f.Value
	})
	setupLog.Info("Flags processed", "flags", flags)

	fileCfg := &runtimeconfig.FileConfig{}
	if *configFile != "" {
		var err error
		if fileCfg, err = runtimeconfig.LoadFile(*configFile); err != nil {
			setupLog.Error(err, "Failed to load config file", "path", *configFile)
			return err
		}
		setupLog.Info("Loaded config file", "path", *configFile)
	}

	cp, err := r.build(fileCfg, ctrl.Log)
	if err != nil {
		setupLog.Error(err, "Failed to set up control plane")
		return err
	}
	if err := cp.registerFunctions(fileCfg.Functions); err != nil {
		setupLog.Error(err, "Failed to register configured functions")
		return err
	}

	metrics.Register(queue.NewCollector(cp.queues))

	setupLog.Info("Control plane starting")
	if err := cp.run(ctx); err != nil {
		setupLog.Error(err, "Control plane stopped with error")
		return err
	}
	setupLog.Info("Control plane terminated")
	return nil
}

func initLogging(opts *zap.Options) {
	// Unless -zap-log-level is explicitly set, use -v
	useV := true
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "zap-log-level" {
			useV = false
		}
	})
	if useV {
		// See https://pkg.go.dev/sigs.k8s.io/controller-runtime/pkg/log/zap#Options.Level
		lvl := -1 * (*logVerbosity)
		opts.Level = uberzap.NewAtomicLevelAt(zapcore.Level(int8(lvl)))
	}
	logutil.InitLogging(opts, *logVerbosity)
}

// controlPlane holds the wired components of one process.
type controlPlane struct {
	logger      logr.Logger
	config      *runtimeconfig.Manager
	queues      *queue.Manager
	functions   *registry.FunctionService
	records     *execution.Store
	idempotency *execution.IdempotencyStore
	syncQueue   *syncqueue.Service
	router      *dispatch.Router
	invocations *invocation.Orchestrator
	pollers     []*scheduler.Poller
}

func (r *Runner) build(fileCfg *runtimeconfig.FileConfig, logger logr.Logger) (*controlPlane, error) {
	clk := clock.RealClock{}
	defaults := fileCfg.ApplyTo(runtimeconfig.DefaultDefaults())

	limiter := ratelimit.New(defaults.RateMaxPerSecond, clk)
	configService := runtimeconfig.NewService(defaults)
	configManager, err := runtimeconfig.NewManager(configService,
		runtimeconfig.NewApplier(runtimeconfig.RateLimitConsumer(limiter)), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to apply initial runtime config: %w", err)
	}

	storeCfg, err := execution.NewStoreConfig(storeOptions(fileCfg.Execution)...)
	if err != nil {
		return nil, err
	}
	records := execution.NewStore(storeCfg, logger)
	idempotency := execution.NewIdempotencyStore(storeCfg.IdempotencyTTL)

	sqCfg, err := syncqueue.NewConfig(syncQueueOptions(fileCfg.SyncQueue)...)
	if err != nil {
		return nil, err
	}
	syncQueue := syncqueue.NewService(sqCfg, configService, records, clk, logger)

	functionDefaults := types.DefaultFunctionDefaults()
	if fileCfg.FunctionDefaults != nil {
		functionDefaults = *fileCfg.FunctionDefaults
	}
	queues := queue.NewManager(logger)
	functions := registry.NewFunctionService(functionDefaults, queues, logger)

	router := dispatch.NewRouter(logger, r.routerOptions(clk)...)

	orchOpts := []invocation.Option{
		invocation.WithSyncQueue(syncQueue),
		invocation.WithAsyncQueue(ptr.Deref(fileCfg.AsyncQueueEnabled, true)),
		invocation.WithClock(clk),
	}
	if *strictTransitions {
		orchOpts = append(orchOpts, invocation.WithStrictTransitions())
	}
	orchestrator := invocation.NewOrchestrator(functions, queues, records, idempotency, router, limiter, logger,
		orchOpts...)
	functions.SetRemovalHandler(orchestrator.FailPending)

	tick := env.GetEnvDuration("SCHEDULER_TICK", scheduler.DefaultTick, logger)
	return &controlPlane{
		logger:      logger.WithName("control-plane"),
		config:      configManager,
		queues:      queues,
		functions:   functions,
		records:     records,
		idempotency: idempotency,
		syncQueue:   syncQueue,
		router:      router,
		invocations: orchestrator,
		pollers: []*scheduler.Poller{
			scheduler.NewAsync(queues, orchestrator.Dispatch, logger, scheduler.WithTick(tick)),
			scheduler.NewSync(queues, syncQueue, orchestrator.Dispatch, logger, scheduler.WithTick(tick)),
		},
	}, nil
}

func (r *Runner) routerOptions(clk clock.PassiveClock) []dispatch.RouterOption {
	local := dispatch.NewLocalBackend(clk)
	for fn, h := range r.localHandlers {
		local.Handle(fn, h)
	}
	backends := map[types.ExecutionMode]dispatch.Backend{types.ExecutionModeLocal: local}
	if *localBackendAllModes {
		backends[types.ExecutionModePool] = local
		backends[types.ExecutionModeDeployment] = local
	}
	for mode, b := range r.backends {
		backends[mode] = b
	}
	opts := make([]dispatch.RouterOption, 0, len(backends))
	for mode, b := range backends {
		opts = append(opts, dispatch.WithBackend(mode, b))
	}
	return opts
}

func storeOptions(c runtimeconfig.ExecutionFileConfig) []execution.StoreConfigOption {
	var opts []execution.StoreConfigOption
	if c.TTL != nil {
		opts = append(opts, execution.WithTTL(c.TTL.Duration))
	}
	if c.StaleTTL != nil {
		opts = append(opts, execution.WithStaleTTL(c.StaleTTL.Duration))
	}
	if c.IdempotencyTTL != nil {
		opts = append(opts, execution.WithIdempotencyTTL(c.IdempotencyTTL.Duration))
	}
	return opts
}

func syncQueueOptions(c runtimeconfig.SyncQueueFileConfig) []syncqueue.ConfigOption {
	var opts []syncqueue.ConfigOption
	if c.MaxDepth != nil {
		opts = append(opts, syncqueue.WithMaxDepth(*c.MaxDepth))
	}
	if c.ThroughputWindow != nil {
		opts = append(opts, syncqueue.WithThroughputWindow(c.ThroughputWindow.Duration))
	}
	if c.PerFunctionMinSamples != nil {
		opts = append(opts, syncqueue.WithPerFunctionMinSamples(*c.PerFunctionMinSamples))
	}
	return opts
}

func (cp *controlPlane) registerFunctions(specs []types.FunctionSpec) error {
	var errs error
	for _, spec := range specs {
		resolved, err := cp.functions.Register(spec)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		cp.logger.Info("Registered function", "function", resolved.Name, "executionMode", resolved.ExecutionMode)
	}
	return errs
}

// run blocks until ctx is done, then stops the schedulers, waits for in-flight dispatches and fails what is left.
func (cp *controlPlane) run(ctx context.Context) error {
	for _, p := range cp.pollers {
		p.Start(ctx)
	}
	if *configFile != "" {
		if err := runtimeconfig.WatchFile(log.IntoContext(ctx, cp.logger), cp.config, *configFile); err != nil {
			cp.logger.Error(err, "Config file changes will not be applied", "path", *configFile)
		}
	}

	srv, err := cp.metricsServer(ctx)
	if err != nil {
		return multierr.Append(err, cp.shutdown())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runnable.HTTPServer("metrics", srv, *metricsPort).Start(gctx) })
	g.Go(func() error {
		cp.records.Start()
		return nil
	})
	g.Go(func() error {
		cp.idempotency.Start()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		cp.records.Stop()
		cp.idempotency.Stop()
		return nil
	})
	return multierr.Append(g.Wait(), cp.shutdown())
}

func (cp *controlPlane) shutdown() error {
	var errs error
	for _, p := range cp.pollers {
		if !p.Stop() {
			errs = multierr.Append(errs, errors.New("scheduler loop did not stop in time"))
		}
	}

	done := make(chan struct{})
	go func() {
		cp.router.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(*shutdownTimeout):
		errs = multierr.Append(errs, fmt.Errorf("in-flight dispatches still running after %s", *shutdownTimeout))
	}

	cp.invocations.Shutdown()
	return errs
}

func (cp *controlPlane) metricsServer(ctx context.Context) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(ctrlmetrics.Registry, promhttp.HandlerOpts{}))
	health := http.StripPrefix("/healthz", &healthz.Handler{Checks: map[string]healthz.Checker{
		"ping":       healthz.Ping,
		"schedulers": cp.schedulersRunning,
	}})
	mux.Handle("/healthz", health)
	mux.Handle("/healthz/", health)
	if *enablePprof {
		profiling.RegisterHandlers(mux)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if !*secureServing {
		return srv, nil
	}

	if *certPath != "" {
		reloader, err := cptls.NewCertReloader(log.IntoContext(ctx, cp.logger), *certPath)
		if err != nil {
			return nil, err
		}
		srv.TLSConfig = &tls.Config{GetCertificate: reloader.GetCertificate, MinVersion: tls.VersionTLS12}
		return srv, nil
	}
	cert, err := cptls.CreateSelfSignedCertificate("localhost")
	if err != nil {
		return nil, fmt.Errorf("failed to create self-signed certificate: %w", err)
	}
	srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	return srv, nil
}

// schedulersRunning fails once a scheduler loop has been stopped.
func (cp *controlPlane) schedulersRunning(_ *http.Request) error {
	for _, p := range cp.pollers {
		if !p.Running() {
			return errors.New("scheduler loop is not running")
		}
	}
	return nil
}
