package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/web-casa/dockerops/internal/auth"
	"github.com/web-casa/dockerops/internal/handler"
)

// apiServer serves the status API next to the daemon loop.
type apiServer struct {
	app     *appContext
	limiter *auth.RateLimiter
	srv     *http.Server
}

func newAPIServer(ctx context.Context, app *appContext) (*apiServer, error) {
	if app.cfg.JWTSecret == "" {
		return nil, errors.New("api_addr is set but jwt_secret is empty")
	}
	if app.cfg.APIPasswordHash == "" {
		app.logger.Warn("api_password_hash is empty, every login will be refused")
	}

	gin.SetMode(gin.ReleaseMode)
	limiter := auth.NewRateLimiter(5, 15*time.Minute)
	router := handler.NewRouter(handler.RouterConfig{
		JWTSecret:    app.cfg.JWTSecret,
		PasswordHash: app.cfg.APIPasswordHash,
		Reconciler:   app.service,
		Events:       app.recorder,
		Limiter:      limiter,
		Logger:       app.logger.With("component", "api"),
	})
	return &apiServer{
		app:     app,
		limiter: limiter,
		srv: &http.Server{
			Addr:              app.cfg.APIAddr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(_ net.Listener) context.Context { return ctx },
		},
	}, nil
}

// run serves until ctx is done, then shuts down gracefully.
func (s *apiServer) run(ctx context.Context) {
	go s.limiter.Run(ctx, 5*time.Minute)

	errCh := make(chan error, 1)
	go func() {
		s.app.logger.Info("api listening", "addr", s.srv.Addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			s.app.logger.Error("api server failed", "err", err)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.app.logger.Warn("api shutdown", "err", err)
		}
	}
}
