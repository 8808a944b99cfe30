// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// 運用 API の認証設定
	OpsUsername     string // ログイン用ユーザー名
	OpsPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // 運用 API のポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// パイプライン設定
	InstanceID       string // このプロセスの識別子（省略時は起動時に生成）
	LedgerDBPath     string // SQLite 台帳ファイルのパス
	ObjectStorePath  string // ブロブストアのルートディレクトリ
	KeysManifestPath string // 検証鍵マニフェスト（YAML）のパス

	PollIntervalMS   int // キュー巡回間隔（ミリ秒）
	MaxBackoffMS     int // 空振り時のバックオフ上限（ミリ秒）
	SynthesisWorkers int // 合成ワーカーの同時実行数

	// キュー/レジストリ設定
	QueueRedisURL       string // Asynqとレジストリが使うRedis接続URL
	HeartbeatTTLSeconds int    // インスタンス死活情報の有効期限（秒）

	// 提出ゲートウェイ
	GatewayURL string // 最終証明の提出先ベースURL

	// 受け付け制限
	MaxUploadSize int64 // バッチ受け付けmultipartの最大サイズ（バイト）
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// 運用 API の認証設定
		OpsUsername:     getEnv("OPS_USERNAME", ""),
		OpsPasswordHash: getEnv("OPS_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// パイプライン設定
		InstanceID:       getEnv("INSTANCE_ID", ""),
		LedgerDBPath:     getEnv("LEDGER_DB_PATH", "data/ledger.db"),
		ObjectStorePath:  getEnv("OBJECT_STORE_PATH", "data/objects"),
		KeysManifestPath: getEnv("KEYS_MANIFEST_PATH", "keys.yaml"),

		PollIntervalMS:   getEnvAsInt("POLL_INTERVAL_MS", 1000),
		MaxBackoffMS:     getEnvAsInt("MAX_BACKOFF_MS", 30000),
		SynthesisWorkers: getEnvAsInt("SYNTHESIS_WORKERS", 2),

		// キュー/レジストリ設定
		QueueRedisURL:       getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		HeartbeatTTLSeconds: getEnvAsInt("HEARTBEAT_TTL_SECONDS", 30),

		// 提出ゲートウェイ
		GatewayURL: getEnv("GATEWAY_URL", "http://127.0.0.1:3320"),

		// 受け付け制限
		MaxUploadSize: getEnvAsInt64("MAX_UPLOAD_SIZE", 104857600), // 100MB
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.PollIntervalMS <= 0 {
		return fmt.Errorf("POLL_INTERVAL_MS must be positive")
	}
	if c.MaxBackoffMS < c.PollIntervalMS {
		return fmt.Errorf("MAX_BACKOFF_MS must be >= POLL_INTERVAL_MS")
	}
	if c.SynthesisWorkers <= 0 {
		return fmt.Errorf("SYNTHESIS_WORKERS must be positive")
	}
	if c.LedgerDBPath == "" {
		return fmt.Errorf("LEDGER_DB_PATH is required")
	}
	if c.ObjectStorePath == "" {
		return fmt.Errorf("OBJECT_STORE_PATH is required")
	}
	if c.KeysManifestPath == "" {
		return fmt.Errorf("KEYS_MANIFEST_PATH is required")
	}

	// ローカル開発では認証とゲートウェイの設定は任意
	// 本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.OpsUsername == "" {
			return fmt.Errorf("OPS_USERNAME is required in release mode")
		}
		if c.OpsPasswordHash == "" {
			return fmt.Errorf("OPS_PASSWORD_HASH is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
		if c.GatewayURL == "" {
			return fmt.Errorf("GATEWAY_URL is required in release mode")
		}
	}

	return nil
}

// PollInterval はキュー巡回間隔を time.Duration で返します。
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// MaxBackoff は空振り時のバックオフ上限を time.Duration で返します。
func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMS) * time.Millisecond
}

// HeartbeatTTL はインスタンス死活情報の有効期限を time.Duration で返します。
func (c *Config) HeartbeatTTL() time.Duration {
	return time.Duration(c.HeartbeatTTLSeconds) * time.Second
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
