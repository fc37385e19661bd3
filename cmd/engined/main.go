package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kunal/gpu-uniproc-engine/pkg/config"
	"github.com/kunal/gpu-uniproc-engine/pkg/engine"
	"github.com/kunal/gpu-uniproc-engine/pkg/logx"
	"github.com/kunal/gpu-uniproc-engine/pkg/metrics"
)

var (
	version = "dev"
	sha     = "unknown"
)

type inferRequest struct {
	ID       string          `json:"id"`
	Payload  json.RawMessage `json:"payload"`
	Priority string          `json:"priority"`
}

type inferResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
}

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg := config.Load()
	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			logx.Log.Fatal().Err(err).Msg("failed to load config file")
		}
	}

	logx.Log.Info().
		Str("version", version).
		Str("model", cfg.Model.Name).
		Int("port", cfg.ListenPort).
		Int("max_batch", cfg.Scheduler.MaxBatchSize).
		Dur("max_wait", cfg.Scheduler.MaxWaitTime).
		Msg("engined starting")

	metrics.Register(prometheus.DefaultRegisterer)
	metrics.SetBuildInfo(version, sha)

	eng, err := engine.New(cfg)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("failed to start engine")
	}
	eng.Start()

	bcast := engine.NewBroadcaster()
	bcast.Run(eng, time.Duration(cfg.Observability.StatusIntervalMs)*time.Millisecond)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/infer", func(w http.ResponseWriter, req *http.Request) {
		var in inferRequest
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		if in.ID == "" {
			in.ID = uuid.NewString()
		}

		result, err := eng.Submit(req.Context(), in.ID, in.Payload, engine.ParsePriority(in.Priority))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				http.Error(w, err.Error(), http.StatusRequestTimeout)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(inferResponse{ID: in.ID, Result: result})
	})

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := eng.Executor().CheckHealth(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", bcast.HandleWS)

	r.Post("/profile/start", func(w http.ResponseWriter, req *http.Request) {
		eng.Executor().Profile(true)
		w.WriteHeader(http.StatusAccepted)
	})
	r.Post("/profile/stop", func(w http.ResponseWriter, req *http.Request) {
		eng.Executor().Profile(false)
		w.WriteHeader(http.StatusAccepted)
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ListenPort),
		Handler: r,
	}

	go func() {
		logx.Log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logx.Log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logx.Log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	bcast.Stop()
	eng.Stop()
	logx.Log.Info().Msg("engined stopped")
}
