package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server ServerConfig `yaml:"server"`
	Static StaticConfig `yaml:"static"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host         string `yaml:"host"`          // リッスンするホスト
	Port         int    `yaml:"port"`          // 優先ポート番号
	PortAttempts int    `yaml:"port_attempts"` // ポート探索の最大試行回数

	// タイムアウト設定
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // 読み込みタイムアウト
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // 書き込みタイムアウト
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // グレースフルシャットダウンの猶予時間
}

// StaticConfig は静的ファイル配信の設定
type StaticConfig struct {
	Root string `yaml:"root"` // 配信対象のルートディレクトリ（絶対パス）

	// キャッシュポリシー
	CacheMaxAge     time.Duration `yaml:"cache_max_age"`    // キャッシュ許可対象の保持期間
	CacheExtensions []string      `yaml:"cache_extensions"` // キャッシュを許可する拡張子

	// MIMEタイプの明示マッピング
	// グローバルレジストリ（mime.AddExtensionType）には登録せず、
	// 設定オブジェクトとしてハンドラに渡す
	MIMETypes map[string]string `yaml:"mime_types"`
}

// Load は設定を読み込む
// デフォルト値 → 環境変数 → 設定ファイル（SHISHA_CONFIG）の順で上書きする
func Load() (*Config, error) {
	// カレントディレクトリを配信ルートのデフォルトとする
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("カレントディレクトリの取得に失敗: %w", err)
	}

	// デフォルト設定を作成
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnvOrDefault("SHISHA_HOST", "127.0.0.1"),
			Port:            getEnvAsIntOrDefault("PORT", 8080),
			PortAttempts:    10,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Static: StaticConfig{
			Root:            wd,
			CacheMaxAge:     time.Hour,
			CacheExtensions: []string{".wasm"},
			MIMETypes: map[string]string{
				// ブラウザはモジュール読み込み時にMIMEタイプを厳密に検証するため、
				// フォールバック型に頼らず明示的に登録する
				".wasm": "application/wasm",
				".js":   "text/javascript; charset=utf-8",
				".mjs":  "text/javascript; charset=utf-8",
				".css":  "text/css; charset=utf-8",
			},
		},
	}

	// 設定ファイルが指定されていれば読み込んで上書き
	if path := os.Getenv("SHISHA_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}

	// 配信ルートを絶対パスに正規化
	absRoot, err := filepath.Abs(cfg.Static.Root)
	if err != nil {
		return nil, fmt.Errorf("配信ルートの解決に失敗: %w", err)
	}
	cfg.Static.Root = absRoot

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// loadFile はYAML設定ファイルを読み込んで既存の設定に上書きする
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}
	if c.Server.PortAttempts < 1 {
		return fmt.Errorf("無効なポート試行回数: %d", c.Server.PortAttempts)
	}

	// 配信ルートの検証（起動時に存在し読み取り可能であること）
	info, err := os.Stat(c.Static.Root)
	if err != nil {
		return fmt.Errorf("配信ルートにアクセスできません: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("配信ルートがディレクトリではありません: %s", c.Static.Root)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
