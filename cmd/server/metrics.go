package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/matst80/wsgate/internal/admission"
	"github.com/matst80/wsgate/internal/obs"
	"github.com/matst80/wsgate/internal/state"
	"github.com/matst80/wsgate/internal/web"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newOpsHandler serves Prometheus metrics, health probes, the state API and
// the client configuration text at /<identity>.
func newOpsHandler(cfg Config, store state.Store, adm *admission.Controller) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		st, err := collectState(r.Context(), store, adm)
		if err != nil {
			obs.Error("ops.state", obs.Fields{"err": err.Error()})
			http.Error(w, "state unavailable", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if store.IsClosing() || !store.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	configPath := "/" + cfg.Identity.String()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != configPath {
			http.NotFound(w, r)
			return
		}
		host := cfg.PublicHost
		if host == "" {
			host = r.Host
			if h, _, err := net.SplitHostPort(host); err == nil {
				host = h
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		err := web.Render(w, web.ClientConfig{
			Identity:  cfg.Identity.String(),
			Host:      strings.Trim(host, "[]"),
			Port:      cfg.advertisedPort(),
			Path:      cfg.Path,
			Transport: string(cfg.Transport),
		})
		if err != nil {
			obs.Error("ops.config", obs.Fields{"err": err.Error()})
		}
	})
	return mux
}

// serveOps runs the operational HTTP server until ctx ends.
func serveOps(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()
	obs.Info("ops.listen", obs.Fields{"addr": addr})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("ops.server", obs.Fields{"err": err.Error(), "addr": addr})
		return err
	}
	return nil
}
