package proxy

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// isWebsocketUpgrade reports whether r is requesting a protocol upgrade to
// WebSocket, per RFC 6455 section 4.1.
func isWebsocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, token := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
			return true
		}
	}
	return false
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// proxyWebsocket dials the upstream Process over WebSocket and splices the
// client<->upstream duplex connections until either side closes. llama-server
// doesn't currently speak WebSocket itself, but downstream tooling (live
// transcription, realtime audio) built on top of it does, and this forwarding
// path is what lets such a backend be swapped in without bypassing the proxy.
func (p *Process) proxyWebsocket(w http.ResponseWriter, r *http.Request) error {
	upstreamURL, err := url.Parse(p.config.Proxy)
	if err != nil {
		return fmt.Errorf("invalid upstream proxy URL: %w", err)
	}

	scheme := "ws"
	if upstreamURL.Scheme == "https" {
		scheme = "wss"
	}
	target := url.URL{Scheme: scheme, Host: upstreamURL.Host, Path: r.URL.Path, RawQuery: r.URL.RawQuery}

	requestHeader := http.Header{}
	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		requestHeader.Set("Sec-WebSocket-Protocol", proto)
	}

	upstreamConn, resp, err := websocket.DefaultDialer.Dial(target.String(), requestHeader)
	if err != nil {
		if resp != nil {
			w.WriteHeader(resp.StatusCode)
		} else {
			w.WriteHeader(http.StatusBadGateway)
		}
		return fmt.Errorf("dialing upstream websocket %s: %w", target.String(), err)
	}
	defer upstreamConn.Close()

	clientConn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrading client connection: %w", err)
	}
	defer clientConn.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	splice := func(dst, src *websocket.Conn) {
		defer wg.Done()
		for {
			msgType, data, err := src.ReadMessage()
			if err != nil {
				return
			}
			if err := dst.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}

	go splice(upstreamConn, clientConn)
	go splice(clientConn, upstreamConn)
	wg.Wait()

	return nil
}
