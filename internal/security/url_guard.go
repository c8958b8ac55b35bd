// Package security はアーカイブ取得時の安全対策を提供する。
// 外部URLへのリクエスト制限と、取得したHTMLからのテキスト抽出を含む。
package security

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// allowedSchemes は取得を許可するURLスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedHostnames は取得を拒否するホスト名。
var blockedHostnames = []string{"localhost"}

// blockedNetworks は取得を拒否するネットワーク範囲。
// 名前解決後のアドレスはsafeurlのDialerで検証される。
var blockedNetworks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16", // クラウドメタデータIPを含む
	"0.0.0.0/8",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	networks := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		networks = append(networks, network)
	}
	return networks
}

// URLGuard はスクレイピング対象URLの検証とHTTPクライアントの生成を行う。
type URLGuard struct{}

// NewURLGuard はURLGuardを生成する。
func NewURLGuard() *URLGuard {
	return &URLGuard{}
}

// NewSafeClient は内部ネットワークへの接続を拒否するHTTPクライアントを生成する。
// レスポンスボディはmaxResponseSizeバイトで打ち切られる。
func (g *URLGuard) NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	client := safeurl.Client(config).Client
	if maxResponseSize > 0 {
		client.Transport = &limitedTransport{base: client.Transport, limit: maxResponseSize}
	}
	return client
}

// ValidateURL はリクエスト前にURLを静的に検証する。名前解決は行わない。
// アーカイブページ内のリンクを取得する前の事前チェックとして使用する。
func (g *URLGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !slices.Contains(allowedSchemes, scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		for _, network := range blockedNetworks {
			if network.Contains(ip) {
				return fmt.Errorf("blocked IP address: %s", ip.String())
			}
		}
		return nil
	}

	if slices.Contains(blockedHostnames, strings.ToLower(host)) {
		return fmt.Errorf("blocked host: %s", host)
	}
	return nil
}

// limitedTransport はレスポンスボディの読み取り量を制限するRoundTripper。
type limitedTransport struct {
	base  http.RoundTripper
	limit int64
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	resp.Body = &limitedBody{Reader: io.LimitReader(resp.Body, t.limit), closer: resp.Body}
	return resp, nil
}

type limitedBody struct {
	io.Reader
	closer io.Closer
}

func (b *limitedBody) Close() error {
	return b.closer.Close()
}
