package proxy

import (
	"bufio"
	"crypto/tls"
	"io"
	"net"
	"strings"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// IsWebSocketUpgrade reports whether the request asks for a websocket
// connection upgrade.
func IsWebSocketUpgrade(ctx *fasthttp.RequestCtx) bool {
	return strings.EqualFold(string(ctx.Request.Header.Peek("Upgrade")), "websocket") &&
		strings.Contains(strings.ToLower(string(ctx.Request.Header.Peek("Connection"))), "upgrade")
}

// tunnel dials the origin, replays the client's upgrade request verbatim,
// relays the handshake response and then bridges both connections until
// either side closes.
func (s *Service) tunnel(ctx *fasthttp.RequestCtx, targetURI string) (int, bool) {
	addr := s.target.Host
	if !strings.Contains(addr, ":") {
		if s.target.Scheme == "https" {
			addr += ":443"
		} else {
			addr += ":80"
		}
	}

	var backend net.Conn
	var err error
	if s.target.Scheme == "https" {
		backend, err = tls.Dial("tcp", addr, &tls.Config{ServerName: s.target.Hostname()})
	} else {
		backend, err = fasthttp.DialTimeout(addr, s.timeout)
	}
	if err != nil {
		s.logger.Warn("websocket origin dial failed",
			zap.String("addr", addr),
			zap.Error(err))
		ctx.SetStatusCode(fasthttp.StatusBadGateway)
		ctx.SetBodyString(badGatewayBody)
		return fasthttp.StatusBadGateway, false
	}

	// Replay the upgrade request against the origin host.
	req := fasthttp.AcquireRequest()
	ctx.Request.CopyTo(req)
	req.SetRequestURI(targetURI)
	req.Header.SetHost(s.target.Host)

	if _, err := req.WriteTo(backend); err != nil {
		fasthttp.ReleaseRequest(req)
		backend.Close()
		ctx.SetStatusCode(fasthttp.StatusBadGateway)
		ctx.SetBodyString(badGatewayBody)
		return fasthttp.StatusBadGateway, false
	}
	fasthttp.ReleaseRequest(req)

	// Read the handshake response; only a 101 turns into a tunnel.
	reader := bufio.NewReader(backend)
	resp := fasthttp.AcquireResponse()
	resp.SkipBody = true
	if err := resp.Read(reader); err != nil {
		fasthttp.ReleaseResponse(resp)
		backend.Close()
		ctx.SetStatusCode(fasthttp.StatusBadGateway)
		ctx.SetBodyString(badGatewayBody)
		return fasthttp.StatusBadGateway, false
	}

	status := resp.StatusCode()
	resp.Header.CopyTo(&ctx.Response.Header)
	ctx.SetStatusCode(status)
	fasthttp.ReleaseResponse(resp)

	if status != fasthttp.StatusSwitchingProtocols {
		backend.Close()
		return status, true
	}

	ctx.Hijack(func(client net.Conn) {
		defer backend.Close()
		done := make(chan struct{}, 2)
		go func() {
			io.Copy(backend, client)
			done <- struct{}{}
		}()
		go func() {
			io.Copy(client, reader)
			done <- struct{}{}
		}()
		<-done
	})
	return status, true
}
