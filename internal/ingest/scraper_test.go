package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/digestman/internal/model"
	"github.com/hitoshi/digestman/internal/security"
)

// --- モック定義 ---

// allowAllGuard はhttptestサーバー（ループバック）への接続を許可する検証器。
type allowAllGuard struct {
	blocked string
}

func (g allowAllGuard) ValidateURL(rawURL string) error {
	if g.blocked != "" && strings.Contains(rawURL, g.blocked) {
		return errors.New("blocked")
	}
	return nil
}

// fakeContentRepo はsource_urlの一意性を再現するContentRepository。
type fakeContentRepo struct {
	mu     sync.Mutex
	byURL  map[string]*model.Content
	nextID int
	err    error
}

func newFakeContentRepo() *fakeContentRepo {
	return &fakeContentRepo{byURL: make(map[string]*model.Content)}
}

func (f *fakeContentRepo) FindByID(_ context.Context, id string) (*model.Content, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.byURL {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, nil
}

func (f *fakeContentRepo) CreateIfAbsent(_ context.Context, c *model.Content) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if _, ok := f.byURL[c.SourceURL]; ok {
		return false, nil
	}
	f.nextID++
	c.ID = fmt.Sprintf("content-%d", f.nextID)
	stored := *c
	f.byURL[c.SourceURL] = &stored
	return true, nil
}

// mockEnqueuer はContentEnqueuerのテスト用モック。
type mockEnqueuer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (m *mockEnqueuer) EnqueueContent(_ context.Context, contentID string) ([]*model.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, contentID)
	if m.err != nil {
		return nil, m.err
	}
	return []*model.QueueEntry{{ContentID: contentID}}, nil
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// newArchiveServer は汎用形式のアーカイブと2件のニュースレターを返すテストサーバーを起動する。
func newArchiveServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/archive", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
<a href="/newsletter/1">First</a>
<a href="/newsletter/2">Second</a>
<a href="/newsletter/missing">Missing</a>
</body></html>`)
	})
	mux.HandleFunc("/newsletter/1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Ward 32 Update</title><script>track()</script></head>
<body><p>New protected <b>bike lane</b> on Milwaukee Ave</p></body></html>`)
	})
	mux.HandleFunc("/newsletter/2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><h1>Zoning   hearing</h1><p>Thursday</p></body></html>`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestScraper(server *httptest.Server, guard URLValidator, contents *fakeContentRepo, enq *mockEnqueuer, buf *bytes.Buffer) *Scraper {
	return NewScraper(server.Client(), guard, contents, enq, security.NewTextExtractor(),
		ScraperConfig{Location: time.UTC}, newTestLogger(buf))
}

// --- テスト ---

func TestScrapeSource_StoresAndEnqueuesNewNewsletters(t *testing.T) {
	server := newArchiveServer(t)
	contents := newFakeContentRepo()
	enq := &mockEnqueuer{}
	var buf bytes.Buffer
	s := newTestScraper(server, allowAllGuard{}, contents, enq, &buf)

	src := Source{ID: "ward-32", Region: "32", ArchiveURL: server.URL + "/archive", Strategy: StrategyGeneric}
	res, err := s.ScrapeSource(context.Background(), src)
	if err != nil {
		t.Fatalf("ScrapeSource がエラーを返した: %v", err)
	}

	if res.Stored != 2 || res.Failed != 1 || res.Enqueued != 2 {
		t.Errorf("result = %+v, want Stored=2 Failed=1 Enqueued=2", res)
	}
	if len(enq.calls) != 2 {
		t.Errorf("EnqueueContent 呼び出し回数 = %d, want 2", len(enq.calls))
	}

	first := contents.byURL[server.URL+"/newsletter/1"]
	if first == nil {
		t.Fatal("1件目が保存されていない")
	}
	if first.Subject != "Ward 32 Update" {
		t.Errorf("Subject = %q", first.Subject)
	}
	if first.Body != "New protected bike lane on Milwaukee Ave" {
		t.Errorf("Body = %q", first.Body)
	}
	if first.SourceID != "ward-32" || first.Region != "32" {
		t.Errorf("発行元情報 = %s/%s", first.SourceID, first.Region)
	}

	second := contents.byURL[server.URL+"/newsletter/2"]
	if second == nil || second.Subject != "Zoning hearing" {
		t.Errorf("titleがない場合はh1を件名にするべき: %+v", second)
	}
}

func TestScrapeSource_SecondRunSkipsKnownNewsletters(t *testing.T) {
	server := newArchiveServer(t)
	contents := newFakeContentRepo()
	enq := &mockEnqueuer{}
	var buf bytes.Buffer
	s := newTestScraper(server, allowAllGuard{}, contents, enq, &buf)

	src := Source{ID: "ward-32", ArchiveURL: server.URL + "/archive", Strategy: StrategyGeneric}
	if _, err := s.ScrapeSource(context.Background(), src); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := s.ScrapeSource(context.Background(), src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Stored != 0 || res.Skipped != 2 {
		t.Errorf("result = %+v, want Skipped=2", res)
	}
	if len(enq.calls) != 2 {
		t.Errorf("既知のニュースレターは再登録しないべき: calls=%d", len(enq.calls))
	}
}

func TestScrapeSource_LimitAndBlockedURL(t *testing.T) {
	server := newArchiveServer(t)
	contents := newFakeContentRepo()
	var buf bytes.Buffer
	s := newTestScraper(server, allowAllGuard{blocked: "/newsletter/1"}, contents, &mockEnqueuer{}, &buf)

	src := Source{ID: "ward-32", ArchiveURL: server.URL + "/archive", Strategy: StrategyGeneric, Limit: 2}
	res, err := s.ScrapeSource(context.Background(), src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stored != 1 || res.Failed != 1 {
		t.Errorf("result = %+v, want Stored=1 Failed=1", res)
	}
	if _, ok := contents.byURL[server.URL+"/newsletter/1"]; ok {
		t.Error("検証で拒否されたURLは保存されてはならない")
	}
}

func TestScrapeSource_EnqueueErrorDoesNotFailIngest(t *testing.T) {
	server := newArchiveServer(t)
	contents := newFakeContentRepo()
	enq := &mockEnqueuer{err: errors.New("rules unavailable")}
	var buf bytes.Buffer
	s := newTestScraper(server, allowAllGuard{}, contents, enq, &buf)

	src := Source{ID: "ward-32", ArchiveURL: server.URL + "/archive", Strategy: StrategyGeneric, Limit: 1}
	res, err := s.ScrapeSource(context.Background(), src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stored != 1 || res.Enqueued != 0 || res.Failed != 0 {
		t.Errorf("result = %+v, want Stored=1", res)
	}
	if !strings.Contains(buf.String(), "通知キューへの登録に失敗しました") {
		t.Error("登録失敗はログに記録されるべき")
	}
}

func TestScrapeSource_FeedEntriesUseEmbeddedBody(t *testing.T) {
	var pageHits int
	mux := http.NewServeMux()
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0"?><rss version="2.0"><channel><title>Ward 40</title>
<item><title>Street sweeping</title><link>http://%s/posts/1</link>
<description>&lt;p&gt;Sweeping begins April 1&lt;/p&gt;</description>
<pubDate>Mon, 17 Mar 2025 10:00:00 -0500</pubDate></item>
</channel></rss>`, r.Host)
	})
	mux.HandleFunc("/posts/1", func(w http.ResponseWriter, r *http.Request) {
		pageHits++
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	contents := newFakeContentRepo()
	var buf bytes.Buffer
	s := newTestScraper(server, allowAllGuard{}, contents, &mockEnqueuer{}, &buf)

	res, err := s.ScrapeSource(context.Background(), Source{ID: "ward-40", ArchiveURL: server.URL + "/feed"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stored != 1 {
		t.Fatalf("result = %+v, want Stored=1", res)
	}
	if pageHits != 0 {
		t.Error("フィードに本文がある場合は個別ページを取得しないべき")
	}

	c := contents.byURL[server.URL+"/posts/1"]
	if c == nil || c.Body != "Sweeping begins April 1" || c.Subject != "Street sweeping" {
		t.Errorf("content = %+v", c)
	}
	if !c.ReceivedAt.Equal(time.Date(2025, 3, 17, 15, 0, 0, 0, time.UTC)) {
		t.Errorf("ReceivedAt = %v", c.ReceivedAt)
	}
}

func TestScrapeAll_SourceFailureIsIsolated(t *testing.T) {
	server := newArchiveServer(t)
	contents := newFakeContentRepo()
	var buf bytes.Buffer
	s := newTestScraper(server, allowAllGuard{}, contents, &mockEnqueuer{}, &buf)

	sources := []Source{
		{ID: "broken", ArchiveURL: server.URL + "/does-not-exist", Strategy: StrategyGeneric},
		{ID: "ward-32", ArchiveURL: server.URL + "/archive", Strategy: StrategyGeneric},
	}
	res := s.ScrapeAll(context.Background(), sources)

	if res.Stored != 2 {
		t.Errorf("Stored = %d, want 2", res.Stored)
	}
	if res.Failed != 2 {
		t.Errorf("Failed = %d, want 2 (アーカイブ1件 + ニュースレター1件)", res.Failed)
	}
	if !strings.Contains(buf.String(), `"source_id":"broken"`) {
		t.Error("失敗した発行元はログに記録されるべき")
	}
}

func TestScrapeSource_StorageError(t *testing.T) {
	server := newArchiveServer(t)
	contents := newFakeContentRepo()
	contents.err = errors.New("db down")
	var buf bytes.Buffer
	s := newTestScraper(server, allowAllGuard{}, contents, &mockEnqueuer{}, &buf)

	res, err := s.ScrapeSource(context.Background(), Source{ID: "ward-32", ArchiveURL: server.URL + "/archive", Strategy: StrategyGeneric})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Failed != 3 || res.Stored != 0 {
		t.Errorf("result = %+v, want Failed=3", res)
	}
}

func TestScrapeAll_FailedSourceIsDeferred(t *testing.T) {
	server := newArchiveServer(t)
	contents := newFakeContentRepo()
	var buf bytes.Buffer
	s := newTestScraper(server, allowAllGuard{}, contents, &mockEnqueuer{}, &buf)

	sources := []Source{
		{ID: "broken", ArchiveURL: server.URL + "/does-not-exist", Strategy: StrategyGeneric},
		{ID: "ward-32", ArchiveURL: server.URL + "/archive", Strategy: StrategyGeneric},
	}
	s.ScrapeAll(context.Background(), sources)

	res := s.ScrapeAll(context.Background(), sources)
	if res.Deferred != 1 {
		t.Errorf("Deferred = %d, want 1", res.Deferred)
	}
	if res.Skipped != 2 {
		t.Errorf("Skipped = %d, want 2 (保存済みのニュースレター)", res.Skipped)
	}
	if !strings.Contains(buf.String(), "バックオフ中の発行元をスキップしました") {
		t.Error("延期した発行元はログに記録されるべき")
	}

	// バックオフ満了後は再び巡回する
	s.now = func() time.Time { return time.Now().Add(maxBackoff + time.Minute) }
	res = s.ScrapeAll(context.Background(), sources)
	if res.Deferred != 0 {
		t.Errorf("満了後の Deferred = %d, want 0", res.Deferred)
	}
}
