// Package proxy forwards requests transparently to the origin. It is the
// fallback for every render failure and the normal path for humans and
// static assets; the only error it ever surfaces to a client is a 502 when
// the origin itself is unreachable.
package proxy

import (
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const badGatewayBody = "Bad Gateway: origin unreachable"

// streamThreshold is the largest origin body copied into memory; anything
// bigger, or of unknown length, streams straight from the origin
// connection to the client.
const streamThreshold = 1 << 20

// Hop-by-hop headers are never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Service proxies requests to a single configured origin.
type Service struct {
	client *fasthttp.Client
	target *url.URL
	logger *zap.Logger

	timeout         time.Duration
	allowWebsockets bool
}

// New creates a proxy for the given origin.
func New(target *url.URL, timeout time.Duration, allowWebsockets bool, logger *zap.Logger) *Service {
	return &Service{
		client: &fasthttp.Client{
			ReadTimeout:        timeout,
			WriteTimeout:       timeout,
			StreamResponseBody: true,
		},
		target:          target,
		logger:          logger,
		timeout:         timeout,
		allowWebsockets: allowWebsockets,
	}
}

// TargetURI rewrites a request path and query onto the origin.
func (s *Service) TargetURI(pathWithQuery string) string {
	base := strings.TrimSuffix(s.target.String(), "/")
	if !strings.HasPrefix(pathWithQuery, "/") {
		pathWithQuery = "/" + pathWithQuery
	}
	return base + pathWithQuery
}

// Forward proxies the inbound request to targetURI and writes the origin's
// response into ctx. It returns the status code written to the client and
// whether the origin answered at all.
func (s *Service) Forward(ctx *fasthttp.RequestCtx, targetURI string) (int, bool) {
	if s.allowWebsockets && IsWebSocketUpgrade(ctx) {
		return s.tunnel(ctx, targetURI)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)

	ctx.Request.CopyTo(req)
	req.SetRequestURI(targetURI)
	req.Header.SetHost(s.target.Host)
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}

	// Standard forwarding headers so the origin can reconstruct the
	// outside request.
	req.Header.Set("X-Forwarded-Host", string(ctx.Host()))
	req.Header.Set("X-Forwarded-Proto", schemeOf(ctx))
	clientIP := ctx.RemoteIP().String()
	if prior := string(ctx.Request.Header.Peek("X-Forwarded-For")); prior != "" {
		clientIP = prior + ", " + clientIP
	}
	req.Header.Set("X-Forwarded-For", clientIP)

	if err := s.client.DoTimeout(req, resp, s.timeout); err != nil {
		fasthttp.ReleaseResponse(resp)
		s.logger.Warn("origin request failed",
			zap.String("url", targetURI),
			zap.Error(err))
		ctx.SetStatusCode(fasthttp.StatusBadGateway)
		ctx.SetContentType("text/plain; charset=utf-8")
		ctx.SetBodyString(badGatewayBody)
		return fasthttp.StatusBadGateway, false
	}

	resp.Header.CopyTo(&ctx.Response.Header)
	for _, h := range hopHeaders {
		ctx.Response.Header.Del(h)
	}
	status := resp.StatusCode()
	ctx.SetStatusCode(status)

	contentLength := resp.Header.ContentLength()
	if contentLength >= 0 && contentLength <= streamThreshold {
		ctx.SetBody(append([]byte(nil), resp.Body()...))
		fasthttp.ReleaseResponse(resp)
		return status, true
	}

	// Large or unknown-length bodies are never buffered; the response
	// object is released when the client finishes reading the stream.
	ctx.Response.SetBodyStream(&originStream{resp: resp}, contentLength)
	return status, true
}

// originStream adapts an in-flight origin response body to the client
// response. Closing it returns the origin connection and the response
// object to their pools.
type originStream struct {
	resp *fasthttp.Response
}

func (o *originStream) Read(p []byte) (int, error) {
	return o.resp.BodyStream().Read(p)
}

func (o *originStream) Close() error {
	err := o.resp.CloseBodyStream()
	fasthttp.ReleaseResponse(o.resp)
	return err
}

func schemeOf(ctx *fasthttp.RequestCtx) string {
	if ctx.IsTLS() {
		return "https"
	}
	return "http"
}
