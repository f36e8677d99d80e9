package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/toolink/throttle/config"
	"github.com/toolink/throttle/grpclimit"
	"github.com/toolink/throttle/httplimit"
	"github.com/toolink/throttle/limiter"
	"github.com/toolink/throttle/meta"
	"github.com/toolink/throttle/metrics"
	"github.com/toolink/throttle/obs"
)

func main() {
	path := flag.String("config", "./config.yaml", "path to the yaml config")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		log.Fatal().Err(err).Str("path", *path).Msg("load config")
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(reg, cfg.Observability.Namespace)

	rl, store, err := limiter.NewFromConfig(&cfg.Limiter,
		limiter.WithRecorder(recorder),
		limiter.WithExtractor(meta.Extract),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("configure rate limiter")
	}
	if closer, ok := store.(io.Closer); ok {
		defer closer.Close()
	}

	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()
	if mem, ok := store.(*limiter.MemoryStore); ok {
		go mem.RunJanitor(bgCtx, time.Minute, nil)
	}
	if local, ok := rl.Policy().(*limiter.FailLocal); ok {
		go local.Store().RunJanitor(bgCtx, time.Minute, nil)
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), cfg.Limiter.ConnectTimeout())
	if err := rl.Health(startCtx); err != nil {
		log.Warn().Err(err).Str("mode", rl.Policy().Mode()).Msg("rate limit store not reachable at startup, serving degraded")
	}
	cancelStart()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := rl.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"ok":false,"store":"unavailable"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.Handle(cfg.Observability.PrometheusPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	skip := append([]string{"/health", cfg.Observability.PrometheusPath}, cfg.Limiter.SkipPaths...)
	handler := obs.Logger(logger)(
		httplimit.Middleware(rl, httplimit.WithSkipPaths(skip...))(mux),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout(),
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
	}

	var grpcSrv *grpc.Server
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Server.GRPCAddr).Msg("grpc listen")
		}
		grpcSrv = grpc.NewServer(
			grpc.ChainUnaryInterceptor(grpclimit.UnaryServerInterceptor(rl)),
			grpc.ChainStreamInterceptor(grpclimit.StreamServerInterceptor(rl)),
		)
		healthpb.RegisterHealthServer(grpcSrv, health.NewServer())
		go func() {
			log.Info().Str("addr", cfg.Server.GRPCAddr).Msg("grpc listening")
			if err := grpcSrv.Serve(lis); err != nil {
				log.Error().Err(err).Msg("grpc server error")
			}
		}()
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	log.Info().Msg("bye")
}
