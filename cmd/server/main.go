package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"live-playback/internal/media"
	"live-playback/internal/platform/config"
	"live-playback/internal/platform/logger"
	"live-playback/internal/platform/metrics"
	"live-playback/internal/playback"
	"live-playback/internal/registry"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	registryPath := config.GetEnv("REGISTRY_PATH", "registry.yaml")
	watchRegistry := config.GetEnvBool("WATCH_REGISTRY", true)
	reconnectDelay := config.GetEnvMillis("RECONNECT_DELAY_MS", playback.DefaultReconnectDelay)
	httpRetryMax := config.GetEnvInt("HTTP_RETRY_MAX", 2)

	log := logger.New(logLevel, logFormat)
	met := metrics.New()

	camera := registry.NewCameraURL(
		config.GetEnv("CAMERA_BASE_URL", registry.DefaultCameraBaseURL),
		config.GetEnv("CAMERA_TOKEN", ""),
		config.GetEnv("CAMERA_AES_KEY", ""),
	)

	backends := playback.NewBackendFactory(playback.BackendOptions{
		Client: playback.NewHTTPClient(httpRetryMax, log),
		Logger: log,
		FLV:    playback.FLVOptions{FatalAfter: config.GetEnvInt("FLV_FATAL_AFTER", 1)},
		HLS:    playback.HLSOptions{FatalAfter: config.GetEnvInt("HLS_FATAL_AFTER", 3)},
	})

	mgr := playback.NewManager(playback.Config{
		Backends: backends,
		Sinks: func(playback.StreamDescriptor) (media.Sink, error) {
			return media.NewRecorder(nil), nil
		},
		CameraURL:      camera.Build,
		ReconnectDelay: reconnectDelay,
		Logger:         log,
		Metrics:        met,
	})

	syncer := registry.NewSyncer(mgr, log)
	if f, err := registry.Load(registryPath); err != nil {
		log.Warn("registry not loaded, starting with no sessions", "path", registryPath, "error", err)
	} else {
		seedDefaults(syncer, f, log)
		syncer.ApplyFile(f)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if watchRegistry {
		go func() {
			err := registry.Watch(ctx, registryPath, registry.DefaultDebounce, log, func(f registry.File) {
				syncer.ApplyFile(f)
			})
			if err != nil {
				log.Error("registry watch stopped", "error", err)
			}
		}()
	}

	h := playback.NewHandler(mgr, log)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveSessions(mgr.SessionCount()) }).ServeHTTP(w, r)
	})
	h.Routes(r)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"registry", registryPath,
		"watch_registry", watchRegistry,
		"reconnect_delay", reconnectDelay,
		"log_level", logLevel,
	)

	<-ctx.Done()

	log.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	if err := mgr.Close(shutdownCtx); err != nil {
		log.Error("session teardown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}

// seedDefaults creates the registry's default streams before anything else,
// so they are the first sessions listed.
func seedDefaults(s *registry.Syncer, f registry.File, log *slog.Logger) {
	descs, _ := f.Descriptors()
	for _, d := range descs {
		if !d.IsDefault {
			continue
		}
		if err := s.Seed(d); err != nil {
			log.Warn("default stream not seeded", "stream_id", d.ID, "error", err)
		}
	}
}
