package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/taskwing/taskwing/internal/circuitbreaker"
	"github.com/taskwing/taskwing/internal/config"
	"github.com/taskwing/taskwing/internal/errorhandling"
	"github.com/taskwing/taskwing/internal/execution"
	"github.com/taskwing/taskwing/internal/janitor"
	"github.com/taskwing/taskwing/internal/state"
	"github.com/taskwing/taskwing/internal/storage"
	"github.com/taskwing/taskwing/internal/triggers"
	"github.com/taskwing/taskwing/pkg/api"
	"github.com/taskwing/taskwing/pkg/api/middleware"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	migrationsPath := flag.String("migrations", "migrations", "path to migration files")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		log.SetLevel(logrus.DebugLevel)
	}

	log.WithField("version", version).Info("Starting taskwing execution server")

	if err := storage.RunMigrations(&cfg.Database, *migrationsPath); err != nil {
		log.WithError(err).Fatal("Failed to run migrations")
	}

	db, err := storage.NewDB(&cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	assetRepo := storage.NewAssetRepository(db.DB)
	dagRepo := storage.NewDagRepository(db.DB, assetRepo)
	runRepo := storage.NewDagRunRepository(db.DB)
	instanceRepo := storage.NewTaskInstanceRepository(db.DB)
	xcomRepo := storage.NewXComRepository(db.DB)

	// The transition channel is advisory; a broken Redis must not take
	// the API down with it.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	publisher := state.NewGuardedPublisher(
		state.NewRedisPublisher(redisClient),
		circuitbreaker.New(circuitbreaker.DefaultConfig()),
	)
	stateManager := state.NewManager(state.NewMultiPublisher(
		publisher,
		state.NewLogPublisher(log),
	))
	archiver := state.NewArchiver(db.DB)

	var deferrals triggers.Publisher = triggers.NoOpPublisher{}
	queue, err := triggers.NewQueue(cfg.NATS.URL)
	if err != nil {
		log.WithError(err).Warn("NATS unavailable, deferral notices disabled")
	} else {
		defer queue.Close()
		deferrals = queue
	}

	svc := execution.NewService(
		dagRepo, runRepo, instanceRepo, assetRepo, xcomRepo,
		stateManager, archiver, deferrals, log,
	)

	janitorCfg := janitor.DefaultConfig()
	janitorCfg.Schedule = cfg.Janitor.Schedule
	janitorCfg.HeartbeatThreshold = cfg.Janitor.HeartbeatThreshold
	propagator := errorhandling.NewPropagator(dagRepo, instanceRepo, stateManager, log)
	sweeper := janitor.New(db.DB, instanceRepo, redisClient, stateManager, janitorCfg, log).
		WithPropagator(propagator)
	if err := sweeper.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start heartbeat janitor")
	}
	defer sweeper.Stop()

	jwtConfig := &middleware.JWTConfig{
		SecretKey:  []byte(cfg.Auth.SecretKey),
		Expiration: cfg.Auth.Expiration,
	}

	rateLimiter := middleware.NewRateLimiter(100, 200)
	defer rateLimiter.Stop()

	router := api.NewRouter(api.RouterConfig{
		Service:     svc,
		Dags:        dagRepo,
		Runs:        runRepo,
		Instances:   instanceRepo,
		Archiver:    archiver,
		JWTConfig:   jwtConfig,
		RateLimiter: rateLimiter,
		Logger:      log,
		Version:     version,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Server.Port).Info("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Forced shutdown")
	}
}
