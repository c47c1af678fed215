package wsproxy

import (
	"net"
	"net/http"
	"strings"
)

// Headers which must not be copied to the upstream handshake. Hop-by-hop headers describe the
// downstream connection only, the handshake headers are generated by the dialer.
var droppedHeaders = map[string]bool{
	"Connection":               true,
	"Keep-Alive":               true,
	"Proxy-Authenticate":       true,
	"Proxy-Authorization":      true,
	"Proxy-Connection":         true,
	"Te":                       true,
	"Trailer":                  true,
	"Transfer-Encoding":        true,
	"Upgrade":                  true,
	"Host":                     true,
	"Content-Length":           true,
	"Sec-Websocket-Key":        true,
	"Sec-Websocket-Version":    true,
	"Sec-Websocket-Extensions": true,
	"Sec-Websocket-Accept":     true,
	"Sec-Websocket-Protocol":   true,
}

// MergeHeaders copies extra headers into dst, replacing existing values. Hop-by-hop and
// handshake headers are skipped.
func MergeHeaders(dst, extra http.Header) http.Header {
	if dst == nil {
		dst = make(http.Header, len(extra))
	}
	for name, values := range extra {
		name = http.CanonicalHeaderKey(name)
		if droppedHeaders[name] {
			continue
		}
		dst[name] = append([]string(nil), values...)
	}
	return dst
}

// ForwardHeaders builds the upstream handshake headers from the downstream request headers.
// The cookie named sessionCookie is removed, X-Forwarded-For and X-Forwarded-Host are set.
func ForwardHeaders(src http.Header, sessionCookie, remoteAddr, host string) http.Header {
	dst := make(http.Header, len(src)+2)
	for name, values := range src {
		name = http.CanonicalHeaderKey(name)
		if droppedHeaders[name] || name == "Cookie" {
			continue
		}
		dst[name] = append([]string(nil), values...)
	}

	if cookie := rebuildCookie(src, sessionCookie); cookie != "" {
		dst.Set("Cookie", cookie)
	}

	if remoteAddr != "" {
		ip := remoteAddr
		if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
			ip = h
		}
		if prior := src.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		dst.Set("X-Forwarded-For", ip)
	}
	if host != "" {
		dst.Set("X-Forwarded-Host", host)
	}
	return dst
}

// rebuildCookie serializes all request cookies except the excluded one.
func rebuildCookie(src http.Header, exclude string) string {
	req := http.Request{Header: http.Header{"Cookie": src.Values("Cookie")}}
	var parts []string
	for _, c := range req.Cookies() {
		if c.Name == exclude {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// RewriteSetCookie returns the Set-Cookie values of an upstream response with the cookie domain
// replaced by domain. An empty domain makes the cookies host-only. Unparseable values are dropped.
func RewriteSetCookie(h http.Header, domain string) []string {
	var out []string
	for _, line := range h.Values("Set-Cookie") {
		c, err := http.ParseSetCookie(line)
		if err != nil {
			continue
		}
		c.Domain = domain
		if v := c.String(); v != "" {
			out = append(out, v)
		}
	}
	return out
}
