package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce は書き込み途中のファイルを読まないための待ち時間。
const reloadDebounce = 250 * time.Millisecond

// SourceSet はsources.yamlの内容を保持し、ファイル変更時に再読み込みする。
// 再読み込みに失敗した場合は直前の一覧を使い続ける。
type SourceSet struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	sources []Source
}

// NewSourceSet はファイルを読み込んでSourceSetを生成する。
func NewSourceSet(path string, logger *slog.Logger) (*SourceSet, error) {
	sources, err := LoadSources(path)
	if err != nil {
		return nil, err
	}
	return &SourceSet{path: path, logger: logger, sources: sources}, nil
}

// Sources は現在の発行元一覧のコピーを返す。
func (s *SourceSet) Sources() []Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Source, len(s.sources))
	copy(out, s.sources)
	return out
}

// Reload はファイルを再読み込みする。失敗時は現在の一覧を維持する。
func (s *SourceSet) Reload() error {
	sources, err := LoadSources(s.path)
	if err != nil {
		s.logger.Warn("発行元ファイルの再読み込みに失敗しました。現在の設定を維持します",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
		return err
	}

	s.mu.Lock()
	s.sources = sources
	s.mu.Unlock()

	s.logger.Info("発行元ファイルを再読み込みしました",
		slog.String("path", s.path),
		slog.Int("source_count", len(sources)),
	)
	return nil
}

// Watch はファイルの変更を監視し、変更があれば再読み込みする。
// ctxがキャンセルされるまでブロックする。
// エディタの置き換え保存に対応するため、ファイルではなくディレクトリを監視する。
func (s *SourceSet) Watch(ctx context.Context) error {
	dir := filepath.Dir(s.path)
	target := filepath.Clean(s.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ファイル監視の開始に失敗しました: %w", err)
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("ディレクトリ %s の監視に失敗しました: %w", dir, err)
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, func() {
			_ = s.Reload()
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("ファイル監視でエラーが発生しました", slog.String("error", err.Error()))
		}
	}
}
