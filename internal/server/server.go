package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"shisha/internal/config"
	"shisha/internal/portscan"
	"shisha/internal/static"
)

// State はサーバーのライフサイクル状態を表す
type State string

const (
	StateInitializing  State = "initializing"   // 起動処理中
	StatePortSelection State = "port_selection" // リッスンポートを探索中
	StateListening     State = "listening"      // リクエストを受付中
	StateShuttingDown  State = "shutting_down"  // グレースフルシャットダウン中
	StateFailed        State = "failed"         // 回復不能な障害で停止
)

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	log        *zap.Logger
	engine     *gin.Engine
	httpServer *http.Server
	selector   *portscan.Selector

	// mu は状態と選択済みポートへのアクセスを保護する
	// （テストなど別ゴルーチンからの参照のため）
	mu        sync.RWMutex
	state     State
	boundPort int
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, log *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	engine.Use(requestLogger(log))

	// 静的ファイル配信ルートを登録
	static.New(cfg.Static).Register(engine)

	s := &Server{
		config:   cfg,
		log:      log,
		engine:   engine,
		selector: portscan.NewSelector(cfg.Server.PortAttempts),
		state:    StateInitializing,
		httpServer: &http.Server{
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	// スキップしたポートを記録する
	s.selector.OnBusy = func(port int) {
		log.Info("ポートが使用中のため次を試します", zap.Int("port", port))
	}

	return s
}

// Start はポートを選択してサーバーを起動し、停止まで待機する
// シグナルまたはコンテキストのキャンセルで正常終了する
func (s *Server) Start(ctx context.Context) error {
	host := s.config.Server.Host

	// ポート選択
	s.setState(StatePortSelection)
	port, err := s.selector.Choose(host, s.config.Server.Port)
	if err != nil {
		s.setState(StateFailed)
		return fmt.Errorf("ポート選択に失敗: %w", err)
	}

	// 選択したポートでリスナーを作成
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		s.setState(StateFailed)
		return fmt.Errorf("ポート%dのバインドに失敗: %w", port, err)
	}

	s.mu.Lock()
	s.boundPort = port
	s.mu.Unlock()
	s.setState(StateListening)

	s.log.Info("サーバーを起動しました",
		zap.String("url", s.URL()),
		zap.String("root", s.config.Static.Root),
		zap.Int("port", port))
	fmt.Printf("試写サーバーを起動しました: %s\n", s.URL())
	fmt.Printf("配信ディレクトリ: %s\n", s.config.Static.Root)
	fmt.Println("停止するには Ctrl+C を押してください")

	// サーバーを別ゴルーチンで起動
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("リクエスト処理中に障害が発生: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキスト・シグナル・サーバー障害のいずれかを待つ
	select {
	case <-ctx.Done():
		s.log.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		// キーボードからの中断は正常な終了経路として扱う
		s.log.Info("シグナルを受信しました", zap.String("signal", sig.String()))
	case err := <-serveErrCh:
		s.log.Error("サーバーが異常停止しました", zap.Error(err))
		s.setState(StateFailed)
		s.closeQuietly()
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.setState(StateShuttingDown)
	s.log.Info("サーバーをシャットダウンしています...")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.log.Info("サーバーが正常にシャットダウンされました")
	return nil
}

// URL は起動後のアクセス先URLを返す
func (s *Server) URL() string {
	return fmt.Sprintf("http://%s:%d/", s.config.Server.Host, s.BoundPort())
}

// BoundPort は選択済みのリッスンポートを返す（起動前は0）
func (s *Server) BoundPort() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.boundPort
}

// CurrentState は現在のライフサイクル状態を返す
func (s *Server) CurrentState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// setState は状態を遷移させてログに記録する
func (s *Server) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()

	s.log.Info("状態が遷移しました",
		zap.String("from", string(prev)),
		zap.String("to", string(next)))
}

// closeQuietly は異常停止時にリスナーを確実に解放する
func (s *Server) closeQuietly() {
	if err := s.httpServer.Close(); err != nil {
		s.log.Error("リスナーのクローズに失敗しました", zap.Error(err))
	}
}
