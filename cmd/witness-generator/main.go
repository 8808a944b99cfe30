// Package main はウィットネス生成エンジンと運用 API のエントリーポイントです。
package main

import (
	"context"
	"errors"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/suizapt/zksync-era/internal/auth"
	"github.com/suizapt/zksync-era/internal/config"
	"github.com/suizapt/zksync-era/internal/engine"
	"github.com/suizapt/zksync-era/internal/keys"
	"github.com/suizapt/zksync-era/internal/ledger"
	"github.com/suizapt/zksync-era/internal/objectstore"
	"github.com/suizapt/zksync-era/internal/ops"
	"github.com/suizapt/zksync-era/internal/prover"
	"github.com/suizapt/zksync-era/internal/registry"
	"github.com/suizapt/zksync-era/internal/resolver"
	"github.com/suizapt/zksync-era/internal/submitter"
	"github.com/suizapt/zksync-era/internal/witness"
	"github.com/suizapt/zksync-era/internal/workers"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = "witness-" + uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 台帳（SQLite）を開く
	if dir := filepath.Dir(cfg.LedgerDBPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("Failed to create ledger directory: %v", err)
		}
	}
	led, err := ledger.Open(cfg.LedgerDBPath)
	if err != nil {
		log.Fatalf("Failed to open ledger: %v", err)
	}
	defer led.Close()

	// ブロブストア
	store, err := objectstore.NewFileStore(cfg.ObjectStorePath)
	if err != nil {
		log.Fatalf("Failed to create object store: %v", err)
	}

	// 検証鍵マニフェスト
	keeper, err := keys.Load(cfg.KeysManifestPath)
	if err != nil {
		log.Fatalf("Failed to load keys manifest: %v", err)
	}

	// Redis（インスタンスレジストリ用）
	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		log.Fatalf("Failed to parse redis URL: %v", err)
	}
	redisClient := redis.NewClient(opt)
	defer redisClient.Close()

	reg := registry.New(redisClient, instanceID, cfg.HeartbeatTTL(), log.Default())
	go func() {
		if err := reg.Run(ctx); err != nil {
			log.Printf("instance registry stopped: %v", err)
		}
	}()

	// 提出配送（asynq ワーカー）
	gateway := submitter.NewHTTPGateway(cfg.GatewayURL, nil)
	dispatcher, err := submitter.NewDispatcher(cfg.QueueRedisURL, led, store, gateway, log.Default())
	if err != nil {
		log.Fatalf("Failed to create submission dispatcher: %v", err)
	}
	dispatcher.StartWorkers()

	// 再起動で取り残された提出ジョブを積み直す
	if err := dispatcher.ResyncPending(ctx); err != nil {
		log.Printf("failed to resync pending submissions: %v", err)
	}

	// ウィットネス生成エンジン
	res := resolver.New(led, keeper.ExpectedProofCount())
	generator := witness.NewSchedulerGenerator(led, store, res, keeper, dispatcher, instanceID, log.Default())
	pool := workers.NewPool(cfg.SynthesisWorkers)
	runner := engine.NewRunner[prover.BatchNumber, witness.SchedulerJob, witness.SchedulerArtifacts](
		generator, pool, log.Default(), cfg.PollInterval(), cfg.MaxBackoff())
	go func() {
		if err := runner.Run(ctx); err != nil {
			log.Printf("witness runner stopped: %v", err)
		}
	}()

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// セッションストアの設定（クッキー署名鍵は必須）
	sessionStore := cookie.NewStore([]byte(cfg.SessionSecret))
	sessionStore.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, sessionStore))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token", // CSRF保護用ヘッダー
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token"}
	router.Use(cors.New(corsConfig))

	// ルーティングの設定
	setupRoutes(router, cfg, led, store, reg)

	// サーバーの起動
	addr := ":" + cfg.Port
	server := &http.Server{Addr: addr, Handler: router}
	go func() {
		log.Printf("Starting ops API server on %s (mode: %s, instance: %s)", addr, cfg.GinMode, instanceID)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("Shutting down instance %s", instanceID)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		log.Printf("dispatcher shutdown: %v", err)
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "witness-generator",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, led *ledger.Ledger, store objectstore.Store, reg *registry.Registry) {
	// まずは誰でも叩けるヘルスチェックとメトリクスを登録
	router.GET("/health", handleHealth)
	router.GET("/debug/vars", gin.WrapH(expvar.Handler()))

	authManager := auth.NewManager(cfg)

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
		}

		// 読み取り系は認証なしで公開する
		api.GET("/batches/:number", ops.BatchStatusHandler(led))
		api.GET("/batches/:number/artifact", ops.ArtifactHandler(led, store))
		api.GET("/instances", ops.InstancesHandler(reg))

		// 変更系は資格情報が設定されていれば保護する。
		// release モードでは Validate が設定を強制するため、
		// 無保護で動くのはローカル開発だけ。
		protected := api.Group("")
		if cfg.OpsUsername != "" && cfg.OpsPasswordHash != "" {
			protected.Use(authManager.RequireLogin(), authManager.VerifyCSRF())
		} else {
			log.Printf("ops credentials are not configured; mutating routes are unprotected")
		}
		{
			protected.POST("/batches/:number", ops.IntakeHandler(led, store, cfg.MaxUploadSize))
			protected.POST("/batches/:number/requeue", ops.RequeueHandler(led, log.Default()))
		}
	}
}
