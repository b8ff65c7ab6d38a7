// Package portscan は起動時のリッスンポート選択を担う
//
// # 責務
// - 優先ポートが使用中かどうかのプローブ（TCP接続試行）
// - 使用中の場合の後続ポートへの線形フォールバック
// - 試行回数上限の管理
//
// # 仕様
// - プローブはlocalhostへのTCP接続で行い、接続成功＝使用中と判定する
// - フォールバックは優先ポートから1ずつ増やす決定的な線形探索
// - ランダム化や指数バックオフは行わない（テストの再現性のため）
package portscan

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrNoFreePort は試行回数内に空きポートが見つからなかったことを表す
var ErrNoFreePort = errors.New("利用可能なポートが見つかりません")

// probeTimeout はプローブ接続のタイムアウト
// localhostへの接続なので短くてよい
const probeTimeout = 250 * time.Millisecond

// Prober はポートが使用中かどうかを判定する関数型
// trueを返した場合、そのポートで既に何かがリッスンしている
type Prober func(host string, port int) bool

// DialProbe はTCP接続試行による標準のプローブ実装
func DialProbe(host string, port int) bool {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, probeTimeout)
	if err != nil {
		// 接続できない＝リッスンしているものがない
		return false
	}
	conn.Close()
	return true
}

// Selector はポート選択の設定を保持する構造体
type Selector struct {
	Probe    Prober        // プローブ実装（nilの場合はDialProbe）
	Attempts int           // 最大試行回数
	OnBusy   func(port int) // 使用中ポートをスキップしたときの通知（nil可）
}

// NewSelector は標準のプローブを使うSelectorを作成する
func NewSelector(attempts int) *Selector {
	return &Selector{
		Probe:    DialProbe,
		Attempts: attempts,
	}
}

// Choose は優先ポートから線形にプローブし、最初の空きポートを返す
// 試行回数内に空きが見つからない場合はErrNoFreePortを返す
func (s *Selector) Choose(host string, preferred int) (int, error) {
	probe := s.Probe
	if probe == nil {
		probe = DialProbe
	}

	for i := 0; i < s.Attempts; i++ {
		port := preferred + i

		// TCPポート範囲を超えたら打ち切る
		if port > 65535 {
			return 0, fmt.Errorf("%w: ポート%d以降はTCP範囲外です", ErrNoFreePort, port)
		}

		if !probe(host, port) {
			return port, nil
		}

		if s.OnBusy != nil {
			s.OnBusy(port)
		}
	}

	return 0, fmt.Errorf("%w: %d〜%dはすべて使用中です",
		ErrNoFreePort, preferred, preferred+s.Attempts-1)
}
