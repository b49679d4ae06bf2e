// Package edge extracts non-authoritative request metadata from the inbound
// transport: network origin, app identity, correlation ids. Every field is
// optional; extraction never fails and never blocks normalization.
package edge

import (
	"net"
	"strconv"
	"strings"

	"github.com/valyala/fasthttp"
)

// Meta is the edge/network context attached to a request for audit and
// attribution. All fields may be empty.
type Meta struct {
	Colo      string `json:"colo,omitempty"`
	City      string `json:"city,omitempty"`
	Country   string `json:"country,omitempty"`
	Continent string `json:"continent,omitempty"`
	ASN       int    `json:"asn,omitempty"`
	ClientIP  string `json:"client_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	RayID     string `json:"ray_id,omitempty"`
	Referer   string `json:"referer,omitempty"`
	AppTitle  string `json:"app_title,omitempty"`
	Method    string `json:"method,omitempty"`
	Path      string `json:"path,omitempty"`
}

// FromRequestCtx derives edge metadata from CDN-style headers with
// connection-level fallbacks. Pure with respect to the request: no I/O.
func FromRequestCtx(ctx *fasthttp.RequestCtx) Meta {
	h := &ctx.Request.Header

	m := Meta{
		Colo:      string(h.Peek("CF-Ray-Colo")),
		City:      string(h.Peek("CF-IPCity")),
		Country:   string(h.Peek("CF-IPCountry")),
		Continent: string(h.Peek("CF-IPContinent")),
		UserAgent: string(h.UserAgent()),
		RayID:     string(h.Peek("CF-Ray")),
		Referer:   string(h.Referer()),
		AppTitle:  string(h.Peek("X-Title")),
		Method:    string(ctx.Method()),
		Path:      string(ctx.Path()),
	}

	if m.Colo == "" {
		// CF-Ray is "<id>-<colo>".
		if i := strings.LastIndexByte(m.RayID, '-'); i > 0 {
			m.Colo = m.RayID[i+1:]
		}
	}

	if asn := string(h.Peek("CF-ASN")); asn != "" {
		if n, err := strconv.Atoi(asn); err == nil {
			m.ASN = n
		}
	}

	m.ClientIP = clientIP(ctx)
	return m
}

// clientIP resolves the originating client address: CF-Connecting-IP, then
// the first X-Forwarded-For hop, then the socket peer.
func clientIP(ctx *fasthttp.RequestCtx) string {
	if ip := string(ctx.Request.Header.Peek("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if fwd := string(ctx.Request.Header.Peek("X-Forwarded-For")); fwd != "" {
		first := fwd
		if i := strings.IndexByte(fwd, ','); i > 0 {
			first = fwd[:i]
		}
		return strings.TrimSpace(first)
	}
	if addr, ok := ctx.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	return ctx.RemoteIP().String()
}
