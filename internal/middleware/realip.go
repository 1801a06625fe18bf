package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// NewRealIPMiddleware は信頼済みプロキシ経由のリクエストに限り、
// X-Forwarded-For / X-Real-IP からクライアントIPを復元してRemoteAddrに反映するミドルウェアを返す。
//
// trusted にはCIDR（"10.0.0.0/8"）または単一IP（"172.18.0.5"）を指定する。
// 直接接続してきたクライアントが付与したヘッダーは無視する。
// X-Forwarded-For は右端から走査し、信頼済みプロキシでない最初のアドレスを採用する。
func NewRealIPMiddleware(trusted []string) func(http.Handler) http.Handler {
	prefixes := parseTrustedProxies(trusted)

	return func(next http.Handler) http.Handler {
		if len(prefixes) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			peer, ok := parseAddr(clientIP(r))
			if ok && containsAddr(prefixes, peer) {
				if ip := forwardedClientIP(r, prefixes); ip != "" {
					r.RemoteAddr = net.JoinHostPort(ip, "0")
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func parseTrustedProxies(trusted []string) []netip.Prefix {
	var prefixes []netip.Prefix
	for _, s := range trusted {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				slog.Warn("信頼済みプロキシの指定が不正なため無視します", slog.String("value", s))
				continue
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			slog.Warn("信頼済みプロキシの指定が不正なため無視します", slog.String("value", s))
			continue
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes
}

func forwardedClientIP(r *http.Request, prefixes []netip.Prefix) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		for i := len(parts) - 1; i >= 0; i-- {
			addr, ok := parseAddr(strings.TrimSpace(parts[i]))
			if !ok {
				return ""
			}
			if !containsAddr(prefixes, addr) {
				return addr.String()
			}
		}
	}
	if addr, ok := parseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ok {
		return addr.String()
	}
	return ""
}

func parseAddr(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func containsAddr(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
