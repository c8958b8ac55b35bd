// Package ingest はニュースレターのアーカイブを取得してコンテンツとして保存し、
// 通知キューへの登録処理に引き渡す。
package ingest

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
)

// ArchiveEntry はアーカイブページから取り出した1件のニュースレター。
type ArchiveEntry struct {
	Title string
	URL   string
	// Date はアーカイブに記載された配信日。不明な場合はnil。
	Date *time.Time
	// Body はアーカイブ自体に含まれる本文（HTML）。空の場合は個別ページを取得する。
	Body string
}

// ArchiveStrategy はアーカイブの形式ごとにニュースレターの一覧を取り出す。
type ArchiveStrategy interface {
	Name() string
	Extract(body []byte, baseURL string, loc *time.Location) ([]ArchiveEntry, error)
}

// 戦略名。sources.yaml の strategy で指定する。
const (
	StrategyMailChimp = "mailchimp"
	StrategyGeneric   = "generic"
	StrategyFeed      = "feed"
)

// StrategyFor はアーカイブURLから戦略を選ぶ。
func StrategyFor(archiveURL string) ArchiveStrategy {
	lower := strings.ToLower(archiveURL)
	switch {
	case strings.Contains(lower, "mailchi.mp"), strings.Contains(lower, "campaign-archive.com"):
		return MailChimpStrategy{}
	case strings.HasSuffix(lower, ".rss"), strings.HasSuffix(lower, ".xml"),
		strings.HasSuffix(lower, "/feed"), strings.HasSuffix(lower, "/feed/"):
		return FeedStrategy{}
	default:
		return GenericListStrategy{}
	}
}

// StrategyByName は名前から戦略を返す。空の場合はURLから選ぶ。
func StrategyByName(name, archiveURL string) (ArchiveStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return StrategyFor(archiveURL), nil
	case StrategyMailChimp:
		return MailChimpStrategy{}, nil
	case StrategyGeneric:
		return GenericListStrategy{}, nil
	case StrategyFeed:
		return FeedStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown archive strategy: %s", name)
	}
}

// mailChimpDate はMailChimpのアーカイブ行頭の日付（"12/23/2025 - "）。
var mailChimpDate = regexp.MustCompile(`(\d{1,2}/\d{1,2}/\d{4})\s*-`)

// MailChimpStrategy はMailChimpのキャンペーンアーカイブ（ul#archive-list）を解析する。
type MailChimpStrategy struct{}

func (MailChimpStrategy) Name() string { return StrategyMailChimp }

func (MailChimpStrategy) Extract(body []byte, baseURL string, loc *time.Location) ([]ArchiveEntry, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse archive: %w", err)
	}

	var entries []ArchiveEntry
	doc.Find("ul#archive-list li.campaign").Each(func(_ int, li *goquery.Selection) {
		link := li.Find("a[href]").First()
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		abs, err := resolve(baseURL, href)
		if err != nil {
			return
		}

		title, _ := link.Attr("title")
		if strings.TrimSpace(title) == "" {
			title = link.Text()
		}

		entry := ArchiveEntry{Title: strings.TrimSpace(title), URL: abs}
		if m := mailChimpDate.FindStringSubmatch(li.Text()); m != nil {
			if d, err := time.ParseInLocation("1/2/2006", m[1], loc); err == nil {
				entry.Date = &d
			}
		}
		entries = append(entries, entry)
	})
	return entries, nil
}

// genericKeywords はニュースレターらしいリンクのURLに含まれる語。
var genericKeywords = []string{"newsletter", "archive", "campaign"}

// GenericListStrategy はページ内のニュースレターらしいリンクをすべて拾う。
type GenericListStrategy struct{}

func (GenericListStrategy) Name() string { return StrategyGeneric }

func (GenericListStrategy) Extract(body []byte, baseURL string, _ *time.Location) ([]ArchiveEntry, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse archive: %w", err)
	}

	seen := make(map[string]struct{})
	var entries []ArchiveEntry
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		lower := strings.ToLower(href)
		if strings.Contains(lower, "#") || strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "mailto:") {
			return
		}
		if !containsAny(lower, genericKeywords) {
			return
		}

		abs, err := resolve(baseURL, href)
		if err != nil {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}

		title := strings.Join(strings.Fields(a.Text()), " ")
		if title == "" {
			title = "Untitled Newsletter"
		}
		entries = append(entries, ArchiveEntry{Title: title, URL: abs})
	})
	return entries, nil
}

// FeedStrategy はRSS/Atomで公開されたアーカイブを解析する。
// 本文がフィードに含まれる場合は個別ページを取得しない。
type FeedStrategy struct{}

func (FeedStrategy) Name() string { return StrategyFeed }

func (FeedStrategy) Extract(body []byte, baseURL string, _ *time.Location) ([]ArchiveEntry, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	entries := make([]ArchiveEntry, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil || item.Link == "" {
			continue
		}
		abs, err := resolve(baseURL, item.Link)
		if err != nil {
			continue
		}

		entry := ArchiveEntry{
			Title: strings.TrimSpace(item.Title),
			URL:   abs,
			Body:  item.Content,
		}
		if entry.Body == "" {
			entry.Body = item.Description
		}
		if item.PublishedParsed != nil {
			t := *item.PublishedParsed
			entry.Date = &t
		} else if item.UpdatedParsed != nil {
			t := *item.UpdatedParsed
			entry.Date = &t
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// resolve はbaseURLを基準にhrefを絶対URLにする。
func resolve(baseURL, href string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
