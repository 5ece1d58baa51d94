// Command warden runs the authorization service: the HTTP decision API on
// one port, health probes and metrics on another, the catalog event feed
// consumer and the policy file watcher.
package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/wardenproject/warden/pkg/admission"
	"github.com/wardenproject/warden/pkg/api"
	"github.com/wardenproject/warden/pkg/audit"
	"github.com/wardenproject/warden/pkg/config"
	"github.com/wardenproject/warden/pkg/counter"
	"github.com/wardenproject/warden/pkg/engine"
	"github.com/wardenproject/warden/pkg/feed"
	"github.com/wardenproject/warden/pkg/groups"
	"github.com/wardenproject/warden/pkg/observability"
	"github.com/wardenproject/warden/pkg/ownersync"
	"github.com/wardenproject/warden/pkg/policy"
	"github.com/wardenproject/warden/pkg/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st *store.SQLStore
	switch cfg.Store.Type {
	case "memory":
		st, err = store.OpenMemory(ctx)
	default:
		st, err = store.Open(ctx, cfg.Store.PostgresURL)
	}
	if err != nil {
		log.Fatalf("Failed to open privilege store: %v", err)
	}
	defer st.Close()
	logger.WithField("type", cfg.Store.Type).Info("privilege store ready")

	var pol *policy.Manager
	if cfg.Authorization.PolicyPath != "" {
		pol, err = policy.NewFileManager(cfg.Authorization.PolicyPath, logger)
		if err != nil {
			log.Fatalf("Failed to load policy: %v", err)
		}
		logger.WithField("path", cfg.Authorization.PolicyPath).Info("policy loaded")
	} else {
		pol = policy.NewManager(nil)
		logger.Warn("no policy file configured, using built-in defaults")
	}

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}

	// Group membership comes from the current policy snapshot so a policy
	// reload takes effect; the cache bounds lookup cost and staleness.
	var resolver groups.Resolver = policyResolver{pol}
	if cfg.Authorization.GroupCacheSize > 0 {
		resolver = groups.NewCachedResolver(resolver, cfg.Authorization.GroupCacheSize, cfg.Authorization.GroupCacheTTL)
	}

	// Seed the in-memory counters from the store so min_notification_id
	// waits and the replay cutoff survive restarts.
	wait := counter.New()
	for _, c := range counter.Categories() {
		v, err := st.CounterValue(ctx, c)
		if err != nil {
			log.Fatalf("Failed to read %s counter: %v", c, err)
		}
		wait.Update(c, v)
	}
	lastNotification := wait.Value(counter.Notification)

	var trail audit.Logger = audit.NopLogger{}
	if cfg.Audit.Enabled {
		fl, err := audit.NewFileLogger(audit.FileLoggerConfig{BasePath: cfg.Audit.BasePath, Rotate: true})
		if err != nil {
			log.Fatalf("Failed to open audit trail: %v", err)
		}
		trail = fl
	}
	defer trail.Close()

	eng := engine.New(st, pol, logger, metrics)
	adm := admission.New(st, pol, resolver, wait, trail, logger, metrics)
	sync := ownersync.New(st, pol, resolver, wait, cfg.Authorization.OwnerPrivilegeMode, lastNotification, trail, logger, metrics)
	server := api.NewServer(eng, adm, sync, resolver, wait, cfg.Authorization.DefaultWaitTimeout, logger, metrics)

	health := observability.NewHealthChecker()
	health.Register("store", st.Ping)

	var redisClient *redis.Client
	if cfg.Feed.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Feed.RedisURL,
			Password: cfg.Feed.RedisPassword,
			DB:       cfg.Feed.RedisDB,
		})
		defer redisClient.Close()
		health.Register("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	opsMux := http.NewServeMux()
	opsMux.HandleFunc("/health", health.Readiness)
	opsMux.HandleFunc("/health/live", health.Liveness)
	opsMux.HandleFunc("/health/ready", health.Readiness)
	if metrics != nil {
		opsMux.Handle("/metrics", metrics.Handler())
	}

	var gauges *cron.Cron
	if metrics != nil {
		gauges = cron.New()
		if _, err := gauges.AddFunc(cfg.Observability.GaugeRefreshSchedule, func() {
			refreshGauges(logger, st, metrics)
		}); err != nil {
			log.Fatalf("Failed to schedule gauge refresh: %v", err)
		}
		gauges.Start()
	}

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	opsServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: opsMux,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(ctx, apiServer, cfg, logger.WithField("server", "api")) })
	g.Go(func() error { return serve(ctx, opsServer, cfg, logger.WithField("server", "ops")) })
	g.Go(func() error { return pol.Watch(ctx) })
	if cfg.Feed.Enabled {
		consumer := feed.NewConsumer(redisClient, cfg.Feed.Key, sync, logger)
		g.Go(func() error { return consumer.Run(ctx) })
	}

	logger.WithFields(map[string]interface{}{
		"addr":       apiServer.Addr,
		"owner_mode": string(cfg.Authorization.OwnerPrivilegeMode),
	}).Info("warden started")

	err = g.Wait()
	if gauges != nil {
		<-gauges.Stop().Done()
	}
	if err != nil {
		log.Fatalf("Server error: %v", err)
	}
	logger.Info("warden stopped")
}

// serve runs one HTTP listener until ctx is cancelled, then drains it
// within the shutdown timeout.
func serve(ctx context.Context, srv *http.Server, cfg *config.Config, logger *observability.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", srv.Addr).Info("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// refreshGauges samples store table sizes and counter values into metrics.
func refreshGauges(logger *observability.Logger, st store.Store, metrics *observability.Metrics) {
	ctx := context.Background()

	counts, err := st.Counts(ctx)
	if err != nil {
		logger.WithError(err).Warn("gauge refresh: store counts failed")
		return
	}
	metrics.RolesTotal.Set(float64(counts.Roles))
	metrics.PrivilegesTotal.Set(float64(counts.Privileges))
	metrics.GroupLinksTotal.Set(float64(counts.GroupLinks))

	for _, c := range counter.Categories() {
		v, err := st.CounterValue(ctx, c)
		if err != nil {
			logger.WithError(err).Warn("gauge refresh: counter read failed")
			return
		}
		metrics.CounterValue.WithLabelValues(string(c)).Set(float64(v))
	}
}

// policyResolver serves group membership from the active policy snapshot.
type policyResolver struct {
	pol *policy.Manager
}

func (r policyResolver) Groups(_ context.Context, user string) ([]string, error) {
	gs := r.pol.Current().StaticGroups[user]
	out := make([]string, len(gs))
	copy(out, gs)
	return out, nil
}
