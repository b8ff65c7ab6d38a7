package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"shisha/internal/config"
	"shisha/internal/portscan"
)

// testConfig はテスト用の設定を作成する
func testConfig(t *testing.T, preferredPort int) *config.Config {
	t.Helper()

	// 配信対象のファイルを用意する
	root := t.TempDir()
	files := map[string]string{
		"index.html": "<!DOCTYPE html><html></html>",
		"app.wasm":   "\x00asm\x01\x00\x00\x00",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0o644); err != nil {
			t.Fatalf("Failed to write test file %s: %v", name, err)
		}
	}

	return &config.Config{
		Server: config.ServerConfig{
			Host:            "127.0.0.1",
			Port:            preferredPort,
			PortAttempts:    10,
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    5 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Static: config.StaticConfig{
			Root:            root,
			CacheMaxAge:     time.Hour,
			CacheExtensions: []string{".wasm"},
			MIMETypes: map[string]string{
				".wasm": "application/wasm",
			},
		},
	}
}

// freePort はテスト用に空いているポート番号を確保する
func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to find free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// waitListening はサーバーがリクエスト受付状態になるまで待つ
func waitListening(t *testing.T, srv *Server) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if srv.CurrentState() == StateListening {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Server did not reach listening state, current: %s", srv.CurrentState())
}

// TestServerStartAndShutdown はサーバーの起動とシャットダウンをテストする
func TestServerStartAndShutdown(t *testing.T) {
	cfg := testConfig(t, freePort(t))
	srv := New(cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// サーバーを別ゴルーチンで起動
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	waitListening(t, srv)
	boundPort := srv.BoundPort()

	// コンテキストをキャンセルしてサーバーを停止
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Expected clean shutdown, got error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Server shutdown timed out")
	}

	// 正常終了後はshutting_down状態で停止している
	if got := srv.CurrentState(); got != StateShuttingDown {
		t.Errorf("Expected state shutting_down, got %s", got)
	}

	// リスナーが解放され、同じポートに即座に再バインドできる
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", boundPort))
	if err != nil {
		t.Fatalf("Expected port %d to be released: %v", boundPort, err)
	}
	ln.Close()
}

// TestServerPortFallback は優先ポート使用中に次のポートへフォールバックすることをテストする
func TestServerPortFallback(t *testing.T) {
	// 優先ポートを占有しておく
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to occupy port: %v", err)
	}
	defer occupied.Close()
	preferred := occupied.Addr().(*net.TCPAddr).Port

	cfg := testConfig(t, preferred)
	srv := New(cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	waitListening(t, srv)

	// 占有中の優先ポートではなく後続ポートが選ばれている
	bound := srv.BoundPort()
	if bound == preferred {
		t.Errorf("Expected a port other than busy %d", preferred)
	}
	if bound < preferred || bound >= preferred+cfg.Server.PortAttempts {
		t.Errorf("Expected port in range [%d, %d), got %d",
			preferred, preferred+cfg.Server.PortAttempts, bound)
	}

	// URLが実際に選択されたポートを報告している
	expectedURL := fmt.Sprintf("http://127.0.0.1:%d/", bound)
	if got := srv.URL(); got != expectedURL {
		t.Errorf("Expected URL %s, got %s", expectedURL, got)
	}

	// 選択されたポートで実際に応答する
	resp, err := http.Get(srv.URL())
	if err != nil {
		t.Fatalf("Request to fallback port failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("Server shutdown timed out")
	}
}

// TestServerPortExhaustion は全候補ポート使用中に起動が失敗することをテストする
func TestServerPortExhaustion(t *testing.T) {
	cfg := testConfig(t, freePort(t))
	srv := New(cfg, zap.NewNop())

	// 全ポートを使用中とみなすプローブに差し替える
	srv.selector.Probe = func(_ string, _ int) bool { return true }

	err := srv.Start(context.Background())
	if err == nil {
		t.Fatal("Expected startup failure, got nil")
	}
	if !errors.Is(err, portscan.ErrNoFreePort) {
		t.Errorf("Expected ErrNoFreePort, got %v", err)
	}

	// リスナーは作成されず、failed状態で停止している
	if got := srv.CurrentState(); got != StateFailed {
		t.Errorf("Expected state failed, got %s", got)
	}
	if got := srv.BoundPort(); got != 0 {
		t.Errorf("Expected no bound port, got %d", got)
	}
}

// TestServerServesWithHeaders は起動済みサーバー経由のヘッダーポリシーをテストする
func TestServerServesWithHeaders(t *testing.T) {
	cfg := testConfig(t, freePort(t))
	srv := New(cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	waitListening(t, srv)

	// WASMバイナリはキャッシュ許可＋分離ヘッダー付きで配信される
	resp, err := http.Get(srv.URL() + "app.wasm")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if len(body) == 0 {
		t.Error("Expected non-empty body")
	}
	if got := resp.Header.Get("Content-Type"); got != "application/wasm" {
		t.Errorf("Expected Content-Type application/wasm, got %q", got)
	}
	if got := resp.Header.Get("Cache-Control"); got != "public, max-age=3600" {
		t.Errorf("Expected caching Cache-Control, got %q", got)
	}
	if got := resp.Header.Get("Cross-Origin-Opener-Policy"); got != "same-origin" {
		t.Errorf("Expected COOP same-origin, got %q", got)
	}
	if got := resp.Header.Get("Cross-Origin-Embedder-Policy"); got != "require-corp" {
		t.Errorf("Expected COEP require-corp, got %q", got)
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("Server shutdown timed out")
	}
}
