// Package app wires the secureapi server runtime: config, logging, storage,
// the auth services and the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"secureapi/cmd/identity"
	authapi "secureapi/cmd/internal/auth/api"
	"secureapi/cmd/internal/auth/authn"
	"secureapi/cmd/internal/auth/session"
	"secureapi/cmd/security/credential"
	"secureapi/cmd/security/token"
)

// App owns the storage handles, the services built on them and the HTTP server.
type App struct {
	cfg Config
	log Logger

	store    *storage
	accounts *identity.Service
	sessions *session.Service

	registry *prometheus.Registry
	handler  http.Handler
}

// New constructs a fully wired App. Migrations are applied and, when configured,
// the first admin account is created before New returns.
func New(ctx context.Context, s Settings, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(s.App.LogLevel, s.App.LogFormat, s.App.LogColor)
	}

	st, err := openStorage(ctx, s.App, log)
	if err != nil {
		return nil, err
	}

	a, err := wire(ctx, s, log, st)
	if err != nil {
		st.close()
		return nil, err
	}
	return a, nil
}

func wire(ctx context.Context, s Settings, log Logger, st *storage) (*App, error) {
	fp, err := token.NewFingerprinter([]byte(s.Session.FingerprintKey))
	if err != nil {
		return nil, fmt.Errorf("%w: fingerprint key: %v", ErrConfig, err)
	}
	hasher, err := credential.New(s.Password, fp)
	if err != nil {
		return nil, err
	}
	fpMode := "sha256"
	if fp.Keyed() {
		fpMode = "hmac-sha256"
	}
	log.Info("security.init", "refresh_fingerprint", fpMode, "argon2_memory_kib", s.Password.Params.MemoryKiB)

	accounts, err := identity.NewService(st.accounts, hasher)
	if err != nil {
		return nil, err
	}
	sessions, err := session.NewService(s.Session, session.Deps{
		Store:         st.tokens,
		Authenticator: authn.New(st.accounts, hasher, log),
		Accounts:      st.accounts,
		Fingerprints:  hasher,
		Logger:        log,
	})
	if err != nil {
		return nil, err
	}

	created, err := accounts.EnsureAdmin(ctx, s.App.AdminEmail, s.App.AdminPassword)
	if err != nil {
		return nil, fmt.Errorf("admin bootstrap: %w", err)
	}
	if created {
		log.Info("admin.bootstrap.created")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	authMetrics, err := authapi.NewMetrics(reg)
	if err != nil {
		return nil, err
	}
	httpMetrics, err := NewHTTPMetrics(reg)
	if err != nil {
		return nil, err
	}

	auth, err := authapi.NewHandler(log, s.API, sessions, accounts, authapi.WithMetrics(authMetrics))
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	registerHTTP(mux, log, st.backend, st.ping, reg, auth)

	var h http.Handler = mux
	h = WithHTTPMetrics(h, httpMetrics)
	h = WithSecurityHeaders(h)
	h = WithCORS(h, s.App, log)
	h = WithRequestLogging(h, log)

	return &App{
		cfg:      s.App,
		log:      log,
		store:    st,
		accounts: accounts,
		sessions: sessions,
		registry: reg,
		handler:  h,
	}, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Close releases the storage handles.
func (a *App) Close() {
	a.store.close()
}

// Run starts the HTTP server and the purge loop and blocks until ctx is
// cancelled or the server fails. Storage is closed before Run returns.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	loopCtx, stopLoops := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.purgeLoop(loopCtx, a.cfg.PurgeInterval)
	}()
	defer func() {
		stopLoops()
		wg.Wait()
	}()

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "backend", a.store.backend)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.log.Info("server.stopped")
	return nil
}

// purgeLoop deletes expired refresh records every interval until ctx ends.
// A non-positive interval disables it.
func (a *App) purgeLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.purgeOnce(ctx)
		}
	}
}

func (a *App) purgeOnce(ctx context.Context) {
	n, err := a.sessions.PurgeExpired(ctx, time.Now().UTC())
	if err != nil {
		if ctx.Err() == nil {
			a.log.Error("session.purge.fail", "err", err)
		}
		return
	}
	if n > 0 {
		a.log.Info("session.purge", "deleted", n)
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
