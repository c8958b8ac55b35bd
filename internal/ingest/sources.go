package ingest

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Source はスクレイピング対象のニュースレター発行元。
type Source struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	ArchiveURL string `yaml:"archive_url"`
	// Region は発行元の地域（区番号）。コンテンツのRegionになる。
	Region string `yaml:"ward"`
	// Strategy は解析方法。空の場合はArchiveURLから選ぶ。
	Strategy string `yaml:"strategy"`
	// Limit は1回に取得する最大件数。0は無制限。
	Limit int `yaml:"limit"`
}

// sourcesFile はsources.yamlの構造。
type sourcesFile struct {
	Sources []Source `yaml:"sources"`
}

// LoadSources はYAMLファイルから発行元の一覧を読み込む。
func LoadSources(path string) ([]Source, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("発行元ファイルの読み込みに失敗しました: %w", err)
	}
	return ParseSources(raw)
}

// ParseSources はYAMLから発行元の一覧を読み取り、必須項目を検証する。
func ParseSources(raw []byte) ([]Source, error) {
	var file sourcesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("発行元ファイルの解析に失敗しました: %w", err)
	}

	var errs []error
	seen := make(map[string]struct{}, len(file.Sources))
	for i := range file.Sources {
		s := &file.Sources[i]
		s.ID = strings.TrimSpace(s.ID)
		s.ArchiveURL = strings.TrimSpace(s.ArchiveURL)

		if s.ID == "" {
			errs = append(errs, fmt.Errorf("sources[%d]: id is required", i))
			continue
		}
		if _, dup := seen[s.ID]; dup {
			errs = append(errs, fmt.Errorf("sources[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = struct{}{}

		if s.ArchiveURL == "" {
			errs = append(errs, fmt.Errorf("sources[%d] (%s): archive_url is required", i, s.ID))
		}
		if _, err := StrategyByName(s.Strategy, s.ArchiveURL); err != nil {
			errs = append(errs, fmt.Errorf("sources[%d] (%s): %w", i, s.ID, err))
		}
		if s.Limit < 0 {
			errs = append(errs, fmt.Errorf("sources[%d] (%s): limit must not be negative", i, s.ID))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return file.Sources, nil
}
