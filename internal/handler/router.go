package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/groupsession/internal/metrics"
	"github.com/hitoshi/groupsession/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRF              middleware.CSRFConfig

	// 観測
	Logger         *slog.Logger
	Metrics        metrics.MetricsCollector
	Gatherer       prometheus.Gatherer
	HealthCheckers map[string]HealthChecker

	// グループセッション
	GroupSessionService GroupSessionServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → Session → RateLimit(General) → CSRF
//
// /health・/metrics・/api/csrf-token は認証の外に配置する。
// 参加・参加コード・招待回答には参加系のレート制限を追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	gs := NewGroupSessionHandler(deps.GroupSessionService, logger)

	// --- 認証不要のルート ---
	r.Method(http.MethodGet, "/health", NewHealthHandler(deps.HealthCheckers, logger))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder, logger))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

		join := deps.RateLimiter.JoinMiddleware()

		r.Route("/api/group-sessions", func(r chi.Router) {
			r.Post("/", gs.Create)
			r.Get("/", gs.ListAvailable)
			r.Get("/search", gs.Search)
			r.Get("/recommended", gs.Recommend)
			r.Get("/mine", gs.ListMine)
			r.Get("/recent", gs.ListRecent)
			r.With(join).Post("/join-by-code", gs.JoinByCode)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", gs.Get)
				r.Put("/", gs.Update)
				r.With(join).Post("/join", gs.Join)
				r.Post("/leave", gs.Leave)
				r.Post("/start", gs.Start)
				r.Post("/end", gs.End)
				r.Post("/cancel", gs.Cancel)
				r.Post("/kick", gs.Kick)
				r.Post("/rate", gs.Rate)
				r.Post("/invitations", gs.Invite)
				r.With(join).Post("/invitation/respond", gs.RespondToInvitation)
			})
		})
	})

	return r
}
