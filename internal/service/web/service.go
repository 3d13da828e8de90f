package web

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/EddyLabs/eddy/config"
	"github.com/EddyLabs/eddy/internal/store"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

const limiterTTL = 10 * time.Minute

/*
	Service is the stateless HTTP handler layer. Every mutating request
	maps to exactly one gateway write; nothing here talks to sockets or
	waits on fan-out. The only result returned to the caller is the
	write's own revision or failure.
*/

type Service struct {
	appCtx    context.Context
	logger    *slog.Logger
	cfg       *config.Config
	gateway   *store.Gateway
	authToken string // empty disables auth
	mux       *http.ServeMux

	// Per-client limiters, keyed by route class plus remote host so a
	// host's read traffic and write traffic draw on separate budgets. The
	// cache bounds the map: idle clients age out instead of accumulating
	// forever.
	limiters *ttlcache.Cache[string, *rate.Limiter]
}

func NewService(ctx context.Context, logger *slog.Logger, cfg *config.Config, gateway *store.Gateway) *Service {
	authToken := ""
	if cfg.InstanceSecret != "" {
		secHash := sha256.New()
		secHash.Write([]byte(cfg.InstanceSecret))
		authToken = hex.EncodeToString(secHash.Sum(nil))
	}

	limiters := ttlcache.New[string, *rate.Limiter](
		ttlcache.WithTTL[string, *rate.Limiter](limiterTTL),
	)
	go limiters.Start()
	go func() {
		<-ctx.Done()
		limiters.Stop()
	}()

	s := &Service{
		appCtx:    ctx,
		logger:    logger.With("service", "web"),
		cfg:       cfg,
		gateway:   gateway,
		authToken: authToken,
		mux:       http.NewServeMux(),
		limiters:  limiters,
	}

	s.mux.Handle("GET /api/v1/r/{resource}", s.rateLimitMiddleware(s.authMiddleware(http.HandlerFunc(s.readHandler)), "reads", cfg.RateLimiters.Reads))
	s.mux.Handle("PUT /api/v1/r/{resource}", s.rateLimitMiddleware(s.authMiddleware(http.HandlerFunc(s.writeHandler)), "writes", cfg.RateLimiters.Writes))
	s.mux.Handle("POST /api/v1/r/{resource}", s.rateLimitMiddleware(s.authMiddleware(http.HandlerFunc(s.formWriteHandler)), "writes", cfg.RateLimiters.Writes))
	s.mux.HandleFunc("GET /healthz", s.healthHandler)

	return s
}

func (s *Service) Routes() http.Handler { return s.mux }

func (s *Service) authMiddleware(next http.Handler) http.Handler {
	if s.authToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) rateLimitMiddleware(next http.Handler, class string, rlCfg config.RateLimiterConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}

		// The class is part of the key so a host's reads never consume the
		// write budget, and the first route touched never dictates the
		// limiter config for the rest.
		key := class + "|" + host
		item := s.limiters.Get(key)
		var limiter *rate.Limiter
		if item == nil {
			limiter = rate.NewLimiter(rate.Limit(rlCfg.Limit), rlCfg.Burst)
			s.limiters.Set(key, limiter, ttlcache.DefaultTTL)
		} else {
			limiter = item.Value()
		}

		if !limiter.Allow() {
			s.logger.Warn("rate limit exceeded", "remote_host", host, "path", r.URL.Path)
			w.Header().Set("Retry-After", "1")
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until the context is cancelled.
func (s *Service) Run() error {
	srv := &http.Server{
		Addr:    s.cfg.WebBinding,
		Handler: s.mux,
	}

	go func() {
		<-s.appCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("server shutdown error", "error", err)
		}
	}()

	s.logger.Info("starting http server", "listen_addr", s.cfg.WebBinding)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
