// Package static は静的ファイル配信とレスポンスヘッダーポリシーを担う
package static

import (
	"fmt"
	"net/http"
	"path"

	"github.com/gin-gonic/gin"

	"shisha/internal/config"
)

// Handler は静的ファイル配信のハンドラ
type Handler struct {
	cfg       config.StaticConfig
	fs        http.Handler
	cacheable map[string]bool
}

// New は新しいHandlerを作成する
func New(cfg config.StaticConfig) *Handler {
	cacheable := make(map[string]bool, len(cfg.CacheExtensions))
	for _, ext := range cfg.CacheExtensions {
		cacheable[ext] = true
	}

	return &Handler{
		cfg:       cfg,
		fs:        http.FileServer(http.Dir(cfg.Root)),
		cacheable: cacheable,
	}
}

// Register はGET/HEADの静的配信ルートを登録する
// 静的なGET配信のみを提供し、他のメソッドは受け付けない
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/*filepath", h.Serve)
	r.HEAD("/*filepath", h.Serve)
}

// Serve はヘッダーポリシーを適用したうえでファイルを配信する
//
// ヘッダーは以下の優先順位で適用する:
//  1. 拡張子がMIMEマッピングに一致すればContent-Typeを明示設定
//  2. キャッシュ許可対象の拡張子なら保持期間付きのCache-Control、
//     それ以外は開発イテレーション用にキャッシュを完全に無効化
//  3. 最後に必ずクロスオリジン分離ヘッダー2つを設定する
//     （SharedArrayBufferを使うページに必須。分岐側のロジックに
//     上書きされないよう、適用順の末尾に置く）
func (h *Handler) Serve(c *gin.Context) {
	ext := path.Ext(c.Request.URL.Path)
	header := c.Writer.Header()

	// Content-Typeを先に設定しておくと、http.ServeContentは
	// 拡張子やスニッフィングによる推定を行わず既存の値を使う
	if contentType, ok := h.cfg.MIMETypes[ext]; ok {
		header.Set("Content-Type", contentType)
	}

	if h.cacheable[ext] {
		// コンパイル済みバイナリアセットは再利用を許可する
		header.Set("Cache-Control",
			fmt.Sprintf("public, max-age=%d", int(h.cfg.CacheMaxAge.Seconds())))
	} else {
		// 開発中の編集が即座に反映されるようキャッシュを無効化する
		header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
		header.Set("Pragma", "no-cache")
		header.Set("Expires", "0")
	}

	// クロスオリジン分離ヘッダー（適用順の末尾を維持すること）
	header.Set("Cross-Origin-Opener-Policy", "same-origin")
	header.Set("Cross-Origin-Embedder-Policy", "require-corp")

	// 本体の配信は標準のファイルサーバーに委譲する
	// 404/403などのエラー応答も標準の挙動に従う
	h.fs.ServeHTTP(c.Writer, c.Request)
}
