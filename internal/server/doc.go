// Package server は、プレビュー用HTTPサーバーのライフサイクルを管理します。
//
// このパッケージは、リッスンポートの選択、静的ファイル配信ルートの構築、
// シグナルによるグレースフルシャットダウンを担当します。
//
// 責務:
//   - ポート選択（優先ポートのプローブと線形フォールバック）
//   - HTTPサーバーの起動と管理
//   - リクエストごとの構造化ログ出力
//   - シグナル受信時のグレースフルシャットダウン
//
// 仕様:
//   - HTTPエンジンはgin-gonic/ginを使用
//   - ログはzapロガーを構築時に受け取る（グローバルロガーは使わない）
//   - ライフサイクルは initializing → port_selection → listening →
//     (shutting_down | failed) の状態遷移で表現する
//   - SIGINT/SIGTERM受信は正常終了として扱う
package server
