package app

import (
	"fmt"
	"io"
	"strings"
)

// Command はbandstandのサブコマンド。
type Command string

const (
	// CommandServe は認証・オンボーディングAPIとセッションイベントを提供する。
	CommandServe Command = "serve"
	// CommandWorker は放置されたサインアップを定期的に削除する。
	CommandWorker Command = "worker"
	// CommandMigrate は"User"テーブルのマイグレーションを適用する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のAPIの/healthを叩く。distrolessイメージのHEALTHCHECK用。
	CommandHealthcheck Command = "healthcheck"
	// CommandHelp は使い方を表示する。
	CommandHelp Command = "help"
)

var commandSummaries = []struct {
	cmd     Command
	summary string
}{
	{CommandServe, "APIサーバーを起動する（既定）"},
	{CommandWorker, "放置されたサインアップの削除ジョブと/metricsを起動する"},
	{CommandMigrate, "データベースマイグレーションを適用する"},
	{CommandHealthcheck, "ローカルのAPIサーバーの/healthを確認する"},
	{CommandHelp, "この使い方を表示する"},
}

// UnknownCommandError は未知のサブコマンドが指定されたことを表す。
type UnknownCommandError struct {
	Name string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command %q", e.Name)
}

// ParseCommand はコマンドライン引数の先頭からサブコマンドを解析する。
// 引数が空の場合はCommandServeを返す。2つ目以降の引数は無視する。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 || args[0] == "" {
		return CommandServe, nil
	}

	name := strings.ToLower(args[0])
	switch name {
	case "-h", "--help":
		return CommandHelp, nil
	}
	for _, c := range commandSummaries {
		if string(c.cmd) == name {
			return c.cmd, nil
		}
	}
	return "", &UnknownCommandError{Name: args[0]}
}

// RequiresConfig は設定の読み込みと完全な初期化が必要なコマンドかどうかを返す。
// healthcheckとhelpは必須環境変数がなくても動く。
func (c Command) RequiresConfig() bool {
	return c != CommandHealthcheck && c != CommandHelp
}

// WriteUsage はサブコマンドの一覧を書き出す。
func WriteUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: bandstand [command]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	for _, c := range commandSummaries {
		fmt.Fprintf(w, "  %-12s %s\n", c.cmd, c.summary)
	}
}
