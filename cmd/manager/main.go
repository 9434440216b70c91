package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
	"sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/nrfcloud/campadmin/controllers"
	"github.com/nrfcloud/campadmin/pkg/api"
	"github.com/nrfcloud/campadmin/pkg/config"
	"github.com/nrfcloud/campadmin/pkg/coordinator"
	"github.com/nrfcloud/campadmin/pkg/credentials"
	"github.com/nrfcloud/campadmin/pkg/kubernetes"
	"github.com/nrfcloud/campadmin/pkg/session"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

func main() {
	var enableLeaderElection bool
	var configPath string

	flag.BoolVar(&enableLeaderElection, "leader-elect", false,
		"Enable leader election for the session keeper. "+
			"Enabling this will ensure only one replica refreshes the shared session.")
	flag.StringVar(&configPath, "config", "/etc/config/config.yaml", "Path to the configuration file.")

	opts := zap.Options{
		Development: true,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		setupLog.Error(err, "unable to load configuration")
		os.Exit(1)
	}

	ctx := ctrl.SetupSignalHandler()

	if cfg.Credentials.Backend == config.BackendKubernetes {
		err = runManager(ctx, cfg, enableLeaderElection)
	} else {
		err = runStandalone(ctx, cfg)
	}
	if err != nil {
		setupLog.Error(err, "problem running campadmin")
		os.Exit(1)
	}
}

// runManager hosts the session keeper and the credentials controller in a
// controller-runtime manager, sharing the session through a Secret.
func runManager(ctx context.Context, cfg *config.Config, enableLeaderElection bool) error {
	secretNamespace := cfg.Credentials.Kubernetes.Namespace

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme: scheme,
		Metrics: server.Options{
			BindAddress: cfg.Metrics.Address,
		},
		HealthProbeBindAddress: cfg.HealthProbe.Address,
		LeaderElection:         enableLeaderElection,
		LeaderElectionID:       "campadmin-session-keeper",
		Cache: cache.Options{
			DefaultNamespaces: map[string]cache.Config{secretNamespace: {}},
		},
	})
	if err != nil {
		return fmt.Errorf("unable to start manager: %w", err)
	}

	store := kubernetes.NewSecretStore(mgr.GetClient(), secretNamespace, cfg.Credentials.Kubernetes.SecretName,
		ctrl.Log.WithName("secret-store"))

	client, err := newAPIClient(ctx, cfg, store, metrics.Registry)
	if err != nil {
		return err
	}

	if err := (&controllers.CredentialsReconciler{
		Client:          mgr.GetClient(),
		Scheme:          mgr.GetScheme(),
		Syncer:          client.Gateway(),
		SecretNamespace: secretNamespace,
		SecretName:      cfg.Credentials.Kubernetes.SecretName,
		RefreshBuffer:   cfg.Session.RefreshBuffer,
	}).SetupWithManager(mgr); err != nil {
		return fmt.Errorf("unable to create controller %q: %w", "Credentials", err)
	}

	// Leader only; the cache is running by the time this starts.
	if err := mgr.Add(manager.RunnableFunc(func(ctx context.Context) error {
		return keepSession(ctx, cfg, client)
	})); err != nil {
		return fmt.Errorf("unable to add session keeper: %w", err)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return fmt.Errorf("unable to set up health check: %w", err)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		return fmt.Errorf("unable to set up ready check: %w", err)
	}

	setupLog.Info("starting manager")
	return mgr.Start(ctx)
}

// runStandalone keeps a session in memory or Redis without Kubernetes.
func runStandalone(ctx context.Context, cfg *config.Config) error {
	var store credentials.Store
	switch cfg.Credentials.Backend {
	case config.BackendRedis:
		redisStore, err := credentials.NewRedisStore(credentials.RedisOptions{
			URL:       cfg.Credentials.Redis.URL,
			KeyPrefix: cfg.Credentials.Redis.KeyPrefix,
			TTL:       cfg.Credentials.Redis.TTL,
		})
		if err != nil {
			return err
		}
		defer redisStore.Close()
		store = redisStore
	default:
		store = credentials.NewMemoryStore()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	client, err := newAPIClient(ctx, cfg, store, registry)
	if err != nil {
		return err
	}

	srv := newMetricsServer(cfg.Metrics.Address, registry)
	go func() {
		setupLog.Info("serving metrics", "address", cfg.Metrics.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			setupLog.Error(err, "metrics server failed")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return keepSession(ctx, cfg, client)
}

func newAPIClient(ctx context.Context, cfg *config.Config, store credentials.Store, reg prometheus.Registerer) (*api.Client, error) {
	coord := coordinator.New(
		coordinator.WithConcurrency(cfg.Coordinator.Concurrency),
		coordinator.WithBaseContext(ctx),
		coordinator.WithLogger(ctrl.Log.WithName("coordinator")),
	)
	if err := coord.RegisterMetrics(reg); err != nil {
		return nil, err
	}

	logger := ctrl.Log.WithName("admin-api")
	client, err := api.NewClient(cfg.API, store, coord,
		api.WithLogger(logger),
		api.WithOnLogout(func(_ context.Context, cause error) {
			logger.Info("Admin session ended, a new login is required", "reason", fmt.Sprint(cause))
		}),
		api.WithSessionOptions(session.WithExpiryLeeway(cfg.Session.ExpiryLeeway)),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create admin API client: %w", err)
	}
	return client, nil
}

// keepSession logs in when bootstrap credentials are configured and no session
// exists, then keeps the session fresh until ctx ends.
func keepSession(ctx context.Context, cfg *config.Config, client *api.Client) error {
	logger := ctrl.Log.WithName("session-keeper")

	if err := bootstrapSession(ctx, client, logger); err != nil {
		return err
	}

	keeper := session.NewKeeper(client.Gateway(), cfg.Session.CheckInterval, cfg.Session.RefreshBuffer, logger)
	if err := keeper.Start(ctx); err != nil {
		return fmt.Errorf("unable to start session keeper: %w", err)
	}
	defer keeper.Stop()

	<-ctx.Done()
	return nil
}

func bootstrapSession(ctx context.Context, client *api.Client, logger logr.Logger) error {
	ok, err := client.Gateway().Resume(ctx)
	if err != nil {
		return fmt.Errorf("unable to read stored session: %w", err)
	}
	if ok {
		logger.Info("Resumed existing session")
		return nil
	}

	username := os.Getenv("CAMPADMIN_USERNAME")
	password := os.Getenv("CAMPADMIN_PASSWORD")
	if username == "" || password == "" {
		logger.Info("No bootstrap credentials configured, waiting for a session")
		return nil
	}

	if err := client.Login(ctx, username, password); err != nil {
		return fmt.Errorf("unable to log in as %s: %w", username, err)
	}
	return nil
}

func newMetricsServer(addr string, gatherer prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
