package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mallorcaeat/pipeline/internal/catalog"
	"github.com/mallorcaeat/pipeline/internal/model"
	"github.com/mallorcaeat/pipeline/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the curated list and pipeline stats over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx, "serve")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(st, catalog.New(st, cfg.Thresholds), rerunAfter()),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// restaurantView is one restaurant with whatever enrichment it has.
type restaurantView struct {
	*model.Restaurant
	Profile *model.Profile      `json:"profile,omitempty"`
	Details *model.PlaceDetails `json:"details,omitempty"`
}

// newRouter builds the read-only API.
func newRouter(st store.Store, cat *catalog.Catalog, rerun time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if err := st.Ping(req.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/restaurants", func(w http.ResponseWriter, req *http.Request) {
			limit := 0
			if v := req.URL.Query().Get("limit"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n < 0 {
					writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
					return
				}
				limit = n
			}
			list, err := cat.CuratedRestaurants(req.Context(), limit)
			if err != nil {
				serverError(w, req, err)
				return
			}
			if list == nil {
				list = []model.CuratedRestaurant{}
			}
			writeJSON(w, http.StatusOK, list)
		})

		r.Get("/restaurants/{placeID}", func(w http.ResponseWriter, req *http.Request) {
			ctx := req.Context()
			placeID := chi.URLParam(req, "placeID")
			rest, err := st.GetRestaurant(ctx, placeID)
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "restaurant not found")
				return
			}
			if err != nil {
				serverError(w, req, err)
				return
			}
			view := restaurantView{Restaurant: rest}
			if view.Profile, err = st.GetProfile(ctx, placeID); err != nil {
				serverError(w, req, err)
				return
			}
			if view.Details, err = st.GetDetails(ctx, placeID); err != nil {
				serverError(w, req, err)
				return
			}
			writeJSON(w, http.StatusOK, view)
		})

		r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
			stats, err := cat.Stats(req.Context(), rerun)
			if err != nil {
				serverError(w, req, err)
				return
			}
			writeJSON(w, http.StatusOK, stats)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func serverError(w http.ResponseWriter, req *http.Request, err error) {
	zap.L().Error("api request failed",
		zap.String("path", req.URL.Path),
		zap.String("request_id", middleware.GetReqID(req.Context())),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}
