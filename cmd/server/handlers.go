package main

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pricesync/internal/cache"
	"pricesync/internal/refresh"
)

var errNoSources = errors.New("no quote sources enabled; check yahoo/coingecko config")

// refresher is the slice of the coordinator the HTTP layer needs.
type refresher interface {
	RefreshPrices(ctx context.Context) (refresh.Result, error)
	RefreshSymbols(ctx context.Context, symbols []string) (refresh.Result, error)
	Status() refresh.Status
	LastRefresh() *refresh.Completed
}

type apiServer struct {
	coordinator refresher
	cache       *cache.Cache
	maxAge      time.Duration
	log         zerolog.Logger
}

func (a *apiServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/api/refresh", a.handleRefresh)
	mux.HandleFunc("/api/refresh/status", a.handleStatus)
	mux.HandleFunc("/api/refresh/last", a.handleLast)
	mux.HandleFunc("/api/prices", a.handlePrices)
	return mux
}

type refreshRequest struct {
	Symbols []string `json:"symbols"`
}

// handleRefresh triggers a refresh cycle. An empty or absent symbols list
// refreshes every active symbol. A cycle already in flight answers 409.
func (a *apiServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body refreshRequest
	if r.Body != nil && r.ContentLength != 0 {
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if len(body.Symbols) > 1000 {
		writeError(w, http.StatusBadRequest, "too many symbols (max 1000)")
		return
	}

	var (
		res refresh.Result
		err error
	)
	if len(body.Symbols) == 0 {
		res, err = a.coordinator.RefreshPrices(r.Context())
	} else {
		res, err = a.coordinator.RefreshSymbols(r.Context(), body.Symbols)
	}
	switch {
	case errors.Is(err, refresh.ErrAlreadyRefreshing):
		writeError(w, http.StatusConflict, "refresh already in progress")
		return
	case err != nil:
		a.log.Error().Err(err).Msg("Refresh request failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": a.coordinator.Status()})
}

func (a *apiServer) handleLast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	last := a.coordinator.LastRefresh()
	if last == nil {
		writeError(w, http.StatusNotFound, "no refresh completed yet")
		return
	}
	writeJSON(w, http.StatusOK, last)
}

type priceEntry struct {
	cache.Entry
	Stale bool `json:"stale"`
}

// handlePrices serves cached prices. With ?symbols= it answers only those
// symbols; otherwise it dumps the full cache. Entries older than the staleness
// threshold are flagged rather than hidden.
func (a *apiServer) handlePrices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if q := r.URL.Query().Get("symbols"); strings.TrimSpace(q) != "" {
		out := make([]priceEntry, 0)
		for _, sym := range splitCSV(q) {
			e, err := a.cache.Get(sym, a.maxAge)
			switch {
			case err == nil:
				out = append(out, priceEntry{Entry: e})
			case errors.Is(err, cache.ErrStale):
				stale, serr := a.cache.Get(sym, 1<<62)
				if serr == nil {
					out = append(out, priceEntry{Entry: stale, Stale: true})
				}
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"prices": out})
		return
	}
	entries := a.cache.GetAll()
	out := make([]priceEntry, 0, len(entries))
	now := time.Now()
	for _, e := range entries {
		out = append(out, priceEntry{Entry: e, Stale: now.Sub(e.CachedAt) > a.maxAge})
	}
	writeJSON(w, http.StatusOK, map[string]any{"prices": out, "stats": a.cache.Stats()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func withJSONHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		// Basic CORS for browser usage; adjust as needed.
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withGzip compresses response when client supports gzip.
func withGzip(next http.Handler) http.Handler {
	var gzPool = sync.Pool{New: func() any {
		// Prefer best speed to reduce CPU usage since payloads are JSON
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	}}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}
		gz := gzPool.Get().(*gzip.Writer)
		gz.Reset(w)
		defer func() {
			_ = gz.Close()
			gz.Reset(io.Discard)
			gzPool.Put(gz)
		}()
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		gw := gzipResponseWriter{ResponseWriter: w, Writer: gz}
		next.ServeHTTP(gw, r)
	})
}

type gzipResponseWriter struct {
	http.ResponseWriter
	Writer io.Writer
}

func (g gzipResponseWriter) Write(b []byte) (int, error) {
	return g.Writer.Write(b)
}

// limitBody caps request body size to avoid memory abuse.
func limitBody(next http.Handler) http.Handler {
	const maxBody = 1 << 20 // 1MB
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBody)
		}
		next.ServeHTTP(w, r)
	})
}

// recoverPanic protects handlers from panics.
func recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
