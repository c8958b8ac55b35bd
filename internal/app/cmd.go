package app

import (
	"flag"
	"fmt"
	"io"
	"strings"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe は運用APIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はスケジュール実行のワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandDigest はダイジェスト処理を1回だけ実行することを示す。
	CommandDigest Command = "digest"
	// CommandEnqueue は指定コンテンツを手動でキューに登録することを示す。
	CommandEnqueue Command = "enqueue"
	// CommandReprocess は失敗エントリを再処理対象に戻すことを示す。
	CommandReprocess Command = "reprocess"
	// CommandScrape は発行元アーカイブの巡回を1回実行することを示す。
	CommandScrape Command = "scrape"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch c := Command(args[0]); c {
	case CommandServe, CommandWorker, CommandDigest, CommandEnqueue,
		CommandReprocess, CommandScrape, CommandMigrate, CommandHealthcheck:
		return c
	default:
		return CommandServe
	}
}

// digestFlags はdigestコマンドの引数。
type digestFlags struct {
	BatchID string
	DryRun  bool
}

// enqueueFlags はenqueueコマンドの引数。
type enqueueFlags struct {
	ContentID string
}

// reprocessFlags はreprocessコマンドの引数。
type reprocessFlags struct {
	BatchID string
	OwnerID string
}

// scrapeFlags はscrapeコマンドの引数。
type scrapeFlags struct {
	SourcesFile string // 空の場合は設定値
}

// commandArgs はサブコマンド名より後ろの引数を返す。
func commandArgs(args []string) []string {
	if len(args) <= 1 {
		return nil
	}
	return args[1:]
}

func newFlagSet(cmd Command, w io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(string(cmd), flag.ContinueOnError)
	fs.SetOutput(w)
	return fs
}

func parseDigestFlags(args []string, w io.Writer) (digestFlags, error) {
	var f digestFlags
	fs := newFlagSet(CommandDigest, w)
	fs.StringVar(&f.BatchID, "batch", "", "バッチID (YYYY-MM-DD)。省略時は当日")
	fs.BoolVar(&f.DryRun, "dry-run", false, "確保・送信を行わずに結果を表示する")
	if err := fs.Parse(args); err != nil {
		return f, fmt.Errorf("digest: %w", err)
	}
	f.BatchID = strings.TrimSpace(f.BatchID)
	return f, nil
}

func parseEnqueueFlags(args []string, w io.Writer) (enqueueFlags, error) {
	var f enqueueFlags
	fs := newFlagSet(CommandEnqueue, w)
	fs.StringVar(&f.ContentID, "content-id", "", "キューに登録するコンテンツID")
	if err := fs.Parse(args); err != nil {
		return f, fmt.Errorf("enqueue: %w", err)
	}
	f.ContentID = strings.TrimSpace(f.ContentID)
	if f.ContentID == "" {
		return f, fmt.Errorf("enqueue: -content-id is required")
	}
	return f, nil
}

func parseReprocessFlags(args []string, w io.Writer) (reprocessFlags, error) {
	var f reprocessFlags
	fs := newFlagSet(CommandReprocess, w)
	fs.StringVar(&f.BatchID, "batch", "", "対象のバッチID (YYYY-MM-DD)")
	fs.StringVar(&f.OwnerID, "owner", "", "対象の受信者ID")
	if err := fs.Parse(args); err != nil {
		return f, fmt.Errorf("reprocess: %w", err)
	}
	f.BatchID = strings.TrimSpace(f.BatchID)
	f.OwnerID = strings.TrimSpace(f.OwnerID)
	if f.BatchID == "" && f.OwnerID == "" {
		return f, fmt.Errorf("reprocess: -batch or -owner is required")
	}
	return f, nil
}

func parseScrapeFlags(args []string, w io.Writer) (scrapeFlags, error) {
	var f scrapeFlags
	fs := newFlagSet(CommandScrape, w)
	fs.StringVar(&f.SourcesFile, "sources", "", "発行元一覧のYAMLファイル。省略時はSOURCES_FILE")
	if err := fs.Parse(args); err != nil {
		return f, fmt.Errorf("scrape: %w", err)
	}
	return f, nil
}
