package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// LinkGuard はプロフィールに登録される外部リンクの検証機能のインターフェースを定義する。
// ポートフォリオやSNSのリンクは他のユーザーの画面からそのまま開かれるため、
// javascript:スキームや内部ネットワークを指すURLを登録させない。
type LinkGuard interface {
	// ValidateURL はURLの安全性を静的に検証する。DNS解決は行わない。
	ValidateURL(rawURL string) error

	// ValidateLinks はポートフォリオURLとSNSリンクをまとめて検証する。
	// 空のポートフォリオURLは未設定として許可する。
	ValidateLinks(portfolioURL string, socialLinks map[string]string) error
}

// allowedSchemes はプロフィールリンクで許可されるURLスキーム。
var allowedSchemes = []string{"http", "https"}

// maxSocialLinks はSNSリンクの最大登録数。
const maxSocialLinks = 10

// blockedNetworks はリンク先としてブロックされるネットワーク範囲。
// パッケージ初期化時に1回だけパースする。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック (RFC 1122)
		"127.0.0.0/8",
		// リンクローカル (RFC 3927)
		"169.254.0.0/16",
		// カレントネットワーク
		"0.0.0.0/8",
		// IPv6ループバック
		"::1/128",
		// IPv6リンクローカル
		"fe80::/10",
		// IPv6ユニークローカル
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// linkGuard はLinkGuardの実装。
type linkGuard struct{}

// NewLinkGuard はLinkGuardの新しいインスタンスを生成する。
func NewLinkGuard() *linkGuard {
	return &linkGuard{}
}

// ValidateURL はURLの安全性を静的に検証する。
func (g *linkGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	// スキーム検証: http/httpsのみ許可
	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	// 認証情報付きURLはフィッシングに使われるため拒否
	if parsed.User != nil {
		return fmt.Errorf("URL must not contain credentials")
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if isBlockedHostname(host) {
		return fmt.Errorf("blocked host: %s", host)
	}

	return nil
}

// ValidateLinks はポートフォリオURLとSNSリンクをまとめて検証する。
func (g *linkGuard) ValidateLinks(portfolioURL string, socialLinks map[string]string) error {
	if portfolioURL != "" {
		if err := g.ValidateURL(portfolioURL); err != nil {
			return fmt.Errorf("portfolio_url: %w", err)
		}
	}
	if len(socialLinks) > maxSocialLinks {
		return fmt.Errorf("social_links: at most %d links are allowed", maxSocialLinks)
	}
	for name, link := range socialLinks {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("social_links: empty link name")
		}
		if err := g.ValidateURL(link); err != nil {
			return fmt.Errorf("social_links.%s: %w", name, err)
		}
	}
	return nil
}

// isAllowedScheme はURLスキームが許可リストに含まれるかを検証する。
func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

// isBlockedIP はIPアドレスがブロック対象のネットワーク範囲に含まれるかを検証する。
func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// blockedHostnames はブロック対象のホスト名。
var blockedHostnames = []string{
	"localhost",
}

// isBlockedHostname はホスト名がブロック対象かを検証する。
func isBlockedHostname(host string) bool {
	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	for _, blocked := range blockedHostnames {
		if lower == blocked || strings.HasSuffix(lower, "."+blocked) {
			return true
		}
	}
	return false
}

var _ LinkGuard = (*linkGuard)(nil)
