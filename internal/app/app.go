package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/groupsession/internal/cache"
	"github.com/hitoshi/groupsession/internal/config"
	"github.com/hitoshi/groupsession/internal/database"
	"github.com/hitoshi/groupsession/internal/ephemeral"
	"github.com/hitoshi/groupsession/internal/groupsession"
	"github.com/hitoshi/groupsession/internal/handler"
	"github.com/hitoshi/groupsession/internal/logger"
	"github.com/hitoshi/groupsession/internal/metrics"
	"github.com/hitoshi/groupsession/internal/middleware"
	"github.com/hitoshi/groupsession/internal/notification"
	"github.com/hitoshi/groupsession/internal/repository"
	"github.com/hitoshi/groupsession/internal/security"
	"github.com/hitoshi/groupsession/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg, ParseMigrateArgs(args[1:]))
	default:
		return runServe(ctx, cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := database.Open(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")
	return db, nil
}

// openRedis はRedisクライアントを生成し、疎通を確認する。
func openRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Info("redis connection established")
	return client, nil
}

// runServe はAPIサーバーモードで起動する。
// DBとRedisに接続し、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB・Redis接続
	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	rdb, err := openRedis(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rdb.Close()

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 3. リポジトリと一時ストアの初期化
	sessionRepo := repository.NewPostgresGroupSessionRepo(db)
	userRepo := repository.NewPostgresUserRepo(db)
	authSessionRepo := repository.NewPostgresAuthSessionRepo(db)
	notificationRepo := repository.NewPostgresNotificationRepo(db)

	sessionCache := cache.NewRedisSessionCache(rdb, cfg.SessionCacheTTL)
	coordination := ephemeral.NewRedisStore(rdb, ephemeral.StoreConfig{
		InvitationTTL: cfg.InvitationTTL,
		ActiveSetTTL:  cfg.ActiveSessionTTL,
		RecentTTL:     cfg.RecentSessionTTL,
		RecentLimit:   cfg.RecentSessionLimit,
	})

	// 4. 通知ディスパッチャ
	dispatcher := notification.NewDispatcher(
		notificationRepo, slog.Default(), collector,
		cfg.NotificationBuffer, cfg.NotificationWorkers,
	)
	defer dispatcher.Close()

	// 5. ライフサイクルエンジン
	service := groupsession.NewService(groupsession.Deps{
		Sessions:     sessionRepo,
		Users:        userRepo,
		Cache:        sessionCache,
		Coordination: coordination,
		Notifier:     dispatcher,
		Sanitizer:    security.NewTextSanitizer(),
		Metrics:      collector,
		Logger:       slog.Default(),
		CacheTTL:     cfg.SessionCacheTTL,
	})

	// 6. ルーターの構築（レート制限はreq/minで設定する）
	rateLimiter := middleware.NewRateLimiter(
		middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral, cfg.RateLimitJoin),
		slog.Default(),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		SessionFinder:     authSessionRepo,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		CSRF: middleware.CSRFConfig{
			CookieSecure: strings.HasPrefix(cfg.CORSAllowedOrigin, "https://"),
			Logger:       slog.Default(),
		},
		Logger:   slog.Default(),
		Metrics:  collector,
		Gatherer: registry,
		HealthCheckers: map[string]handler.HealthChecker{
			"db": db,
			"redis": handler.HealthCheckerFunc(func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			}),
		},
		GroupSessionService: handler.NewGroupSessionServiceAdapter(service),
	})

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、通知のクリーンアップジョブをCLEANUP_INTERVAL間隔で実行する。
// ctxがキャンセルされるとシャットダウンする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	job := cleanup.NewCleanupJob(db, slog.Default(), cfg.NotificationRetentionDays)

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Int("retention_days", job.RetentionDays),
	)

	job.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// 引数なしは全適用、downは指定件数（デフォルト1件）のロールバック、versionは現在のバージョン表示。
func runMigrate(cfg *config.Config, margs MigrateArgs) error {
	masked := maskDatabaseURL(cfg.DatabaseURL)

	switch margs.Action {
	case MigrateDown:
		slog.Info("rolling back database migrations",
			slog.String("database_url", masked),
			slog.Int("steps", margs.Steps),
		)
		if err := database.RollbackMigrations(cfg.DatabaseURL, margs.Steps); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		slog.Info("database rollback completed successfully")
		return nil

	case MigrateVersion:
		version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to read migration version: %w", err)
		}
		slog.Info("database migration version",
			slog.String("version", strconv.FormatUint(uint64(version), 10)),
			slog.Bool("dirty", dirty),
		)
		return nil

	default:
		slog.Info("running database migrations",
			slog.String("database_url", masked),
		)
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		slog.Info("database migrations completed successfully")
		return nil
	}
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
// 解析できない場合は全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
