package server

import (
	"net"
	"net/http"
	"strings"
)

// ------------------------------------------------------------
// IP Utility Functions
//
// 운영 HTTP 포트는 compose 네트워크 안에서만 열려 있다고 가정하지만,
// 상태를 바꾸는 요청(/maintenance POST)은 내부 주소에서 온 것만 받는다.
//
// X-Forwarded-For 는 호출자가 마음대로 채울 수 있으므로 판정에 쓰지 않고
// TCP peer 주소(RemoteAddr)만 본다.
// ------------------------------------------------------------

// isInternalIP:
//   - loopback / private (10/8, 172.16/12, 192.168/16, fc00::/7) 이면 true
func isInternalIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}

// safeParseIP:
//   - 공백/빈 값 대응
//   - 잘못된 값이면 nil
func safeParseIP(s string) net.IP {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return net.ParseIP(s)
}

// peerIP 는 RemoteAddr 에서 포트를 떼어 낸 IP. 파싱 실패 시 nil.
func peerIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return safeParseIP(host)
}
