package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/insurepro/apiserver/config"
	"github.com/insurepro/apiserver/internal/db"
	"github.com/insurepro/apiserver/internal/documents"
	"github.com/insurepro/apiserver/internal/handlers"
	"github.com/insurepro/apiserver/internal/mq"
	"github.com/insurepro/apiserver/internal/notify"
	"github.com/insurepro/apiserver/internal/ratelimit"
	"github.com/insurepro/apiserver/internal/services"
	"github.com/insurepro/apiserver/internal/storage"
	"github.com/insurepro/apiserver/internal/store"
	"github.com/redis/go-redis/v9"
)

const shutdownTimeout = 10 * time.Second

// Server wraps the HTTP server, router and the connections it owns.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	db         *sql.DB
	broker     *mq.MQ
	redis      *redis.Client
	worker     *notify.Worker
}

// New connects to every backing service and registers the routes.
func New(ctx context.Context, cfg config.Config) (*Server, error) {
	if cfg.JWT.Secret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	dbConn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &Server{db: dbConn}

	objects, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		s.close()
		return nil, err
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		s.close()
		return nil, fmt.Errorf("ensure bucket %s: %w", objects.Bucket(), err)
	}

	s.broker, err = mq.Open(ctx, cfg.MQ)
	if err != nil {
		s.close()
		return nil, err
	}

	if cfg.RateLimit.Enabled {
		s.redis, err = ratelimit.NewRedisClient(ctx, cfg.RateLimit)
		if err != nil {
			slog.Warn("rate limiting disabled", "error", err)
		}
	}
	limiter := ratelimit.New(cfg.RateLimit, s.redis)

	accountRepo := store.NewAccountRepository(dbConn)
	policyRepo := store.NewPolicyRepository(dbConn)
	claimRepo := store.NewClaimRepository(dbConn)
	transactor := store.NewTransactor(dbConn)

	var (
		listener services.DecisionListener
		sender   services.ResetCodeSender
	)
	if s.broker != nil {
		publisher := notify.NewPublisher(s.broker)
		listener, sender = publisher, publisher
		if s.broker.InProcess() {
			s.worker = notify.NewWorker(s.broker, claimRepo, notify.LogMailer{}, slog.Default())
		}
	} else {
		logListener := notify.LogListener{}
		listener, sender = logListener, logListener
	}

	limits := documents.Limits{MaxCount: cfg.Claims.MaxDocuments, MaxBytes: cfg.Claims.MaxDocumentBytes}
	uploader := documents.NewUploader(objects, limits)

	accountService := services.NewAccountService(accountRepo, sender)
	policyService := services.NewPolicyService(policyRepo, transactor)
	claimService := services.NewClaimService(claimRepo, policyRepo, transactor,
		services.WithDecisionListeners(listener),
		services.WithDocumentLimits(uploader.Limits()),
		services.WithLogger(slog.Default()),
	)

	authMiddleware := handlers.RequireAuth(cfg.JWT.Secret)

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Logger,
		middleware.Timeout(60*time.Second),
	)
	router.Get("/healthz", handlers.Healthz(dbConn))
	router.Route("/auth", func(r chi.Router) {
		r.Use(limiter.Limit("auth"))
		handlers.AuthRouter(r, handlers.NewAuthHandler(accountService, cfg.JWT.Secret, cfg.JWT.TokenTTL))
	})
	router.Route("/policies", func(r chi.Router) {
		handlers.PolicyRouter(r, handlers.NewPolicyHandler(policyService), authMiddleware)
	})
	router.Route("/claims", func(r chi.Router) {
		handlers.ClaimRouter(r, handlers.NewClaimHandler(claimService, uploader), authMiddleware, limiter.Limit("claims"))
	})
	router.Route("/admin", func(r chi.Router) {
		handlers.AdminRouter(r, handlers.NewAdminHandler(claimService, policyService, accountService, uploader), authMiddleware)
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	s.router = router
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully. With
// the in-memory broker the notification worker runs alongside.
func (s *Server) Run(ctx context.Context) error {
	defer s.close()

	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	if s.worker != nil {
		go func() {
			if err := s.worker.Run(workerCtx); err != nil {
				slog.Error("notification worker stopped", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	slog.Info("shutting down")
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) close() {
	if s.broker != nil {
		_ = s.broker.Close()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}
