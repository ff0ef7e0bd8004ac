package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reverseproxy/tunnelgw/internal/gateway"
	"github.com/reverseproxy/tunnelgw/internal/protocol"
)

// Tunnel manages the agent-side websocket connection to the gateway's
// control channel.
type Tunnel struct {
	codec        *protocol.Codec
	conn         *websocket.Conn
	done         chan struct{}
	closeOnce    sync.Once
	handler      *RequestHandler
	pingInterval time.Duration
	tunnelID     string
	subdomain    string
	publicURL    string
}

// ConnectTunnel dials the gateway's control channel, optionally routing
// through a proxy, and performs the TUNNEL_REGISTER handshake.
func ConnectTunnel(ctx context.Context, cfg *Config, dialer *ProxyDialer) (*Tunnel, error) {
	wsDialer := websocket.Dialer{}
	if dialer != nil {
		wsDialer.NetDialContext = dialer.DialContext
	}

	token := gateway.GenerateToken(cfg.Auth.SharedSecret)
	dialURL := cfg.Gateway.URL + "?token=" + url.QueryEscape(token)

	slog.Info("connecting to gateway", "url", cfg.Gateway.URL)
	conn, _, err := wsDialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialling gateway: %w", err)
	}

	codec := protocol.NewCodec(conn)
	localPort, err := backendPort(cfg.Backend.TargetURL)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := codec.Send(protocol.TypeTunnelRegister, protocol.RegisterPayload{
		Subdomain: cfg.Gateway.Subdomain,
		LocalPort: localPort,
		AuthToken: token,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending tunnel register: %w", err)
	}

	frame, err := codec.ReadFrame()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading registration reply: %w", err)
	}
	if frame.Type != protocol.TypeTunnelRegistered {
		conn.Close()
		return nil, fmt.Errorf("registration failed: unexpected reply %q", frame.Type)
	}
	registered, err := protocol.DecodePayload[protocol.RegisteredPayload](frame)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("decoding registration reply: %w", err)
	}

	slog.Info("tunnel registered", "tunnel_id", registered.TunnelID, "public_url", registered.PublicURL)
	return &Tunnel{
		codec:        codec,
		conn:         conn,
		done:         make(chan struct{}),
		handler:      NewRequestHandler(cfg.Backend.TargetURL),
		pingInterval: cfg.Tunnel.PingInterval,
		tunnelID:     registered.TunnelID,
		subdomain:    registered.Subdomain,
		publicURL:    registered.PublicURL,
	}, nil
}

// PublicURL returns the public-facing URL assigned on registration.
func (t *Tunnel) PublicURL() string { return t.publicURL }

// Run starts processing frames from the gateway. blocks until the tunnel
// closes.
func (t *Tunnel) Run() error {
	go t._ping_loop()
	return t._read_loop()
}

// Close shuts down the tunnel connection.
func (t *Tunnel) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.codec.Close()
		slog.Info("agent tunnel closed")
	})
}

// Done returns a channel that closes when the tunnel shuts down.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

// _read_loop reads frames from the gateway and dispatches each tunnelled
// request to the local backend in its own goroutine.
func (t *Tunnel) _read_loop() error {
	defer t.Close()
	for {
		frame, err := t.codec.ReadFrame()
		if err != nil {
			select {
			case <-t.done:
				return nil
			default:
				return fmt.Errorf("reading frame: %w", err)
			}
		}

		switch frame.Type {
		case protocol.TypePing:
			if err := t.codec.Send(protocol.TypePong, protocol.PongPayload{Timestamp: time.Now().Unix()}); err != nil {
				return fmt.Errorf("sending pong: %w", err)
			}

		case protocol.TypePong:
			// liveness only, nothing to do

		case protocol.TypeHTTPRequest:
			req, err := protocol.DecodePayload[protocol.HTTPRequestPayload](frame)
			if err != nil {
				slog.Error("failed to decode tunnelled request", "err", err)
				continue
			}
			go t._handle_request(req)

		case protocol.TypeTunnelClose:
			return nil

		default:
			slog.Warn("unexpected frame type from gateway", "type", frame.Type)
		}
	}
}

// _handle_request executes a tunnelled request against the local backend
// and streams the outcome back as HTTP_RESPONSE/HTTP_RESPONSE_CHUNK/
// HTTP_RESPONSE_END frames, or HTTP_ERROR on failure.
func (t *Tunnel) _handle_request(req protocol.HTTPRequestPayload) {
	resp, err := t.handler.HandleRequest(req)
	if err != nil {
		slog.Error("backend request failed", "request_id", req.RequestID, "err", err)
		if sendErr := t.codec.Send(protocol.TypeHTTPError, protocol.HTTPErrorPayload{
			RequestID: req.RequestID,
			Error:     err.Error(),
			Code:      classifyBackendError(err),
		}); sendErr != nil {
			slog.Error("failed to send http error frame", "request_id", req.RequestID, "err", sendErr)
		}
		return
	}

	if err := t._send_response(req.RequestID, resp); err != nil {
		slog.Error("failed to send response frames", "request_id", req.RequestID, "err", err)
	}
}

func (t *Tunnel) _send_response(requestID string, resp *BackendResponse) error {
	if len(resp.Body) <= maxUnaryBodySize {
		return t.codec.Send(protocol.TypeHTTPResponse, protocol.HTTPResponsePayload{
			RequestID:    requestID,
			StatusCode:   resp.StatusCode,
			Headers:      resp.Headers,
			Body:         resp.Body,
			BodyEncoding: resp.BodyEncoding,
			Streaming:    false,
		})
	}

	if err := t.codec.Send(protocol.TypeHTTPResponse, protocol.HTTPResponsePayload{
		RequestID:  requestID,
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Streaming:  true,
	}); err != nil {
		return err
	}

	raw, err := decodeBody(resp.Body, resp.BodyEncoding)
	if err != nil {
		return err
	}
	index := 0
	for offset := 0; offset < len(raw); offset += chunkSize {
		end := offset + chunkSize
		if end > len(raw) {
			end = len(raw)
		}
		if err := t.codec.Send(protocol.TypeHTTPResponseChunk, protocol.HTTPResponseChunkPayload{
			RequestID: requestID,
			Index:     index,
			Chunk:     base64.StdEncoding.EncodeToString(raw[offset:end]),
		}); err != nil {
			return err
		}
		index++
	}
	return t.codec.Send(protocol.TypeHTTPResponseEnd, protocol.HTTPResponseEndPayload{RequestID: requestID})
}

// _ping_loop sends periodic pings to keep the websocket alive.
func (t *Tunnel) _ping_loop() {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.codec.Send(protocol.TypePing, protocol.PingPayload{Timestamp: time.Now().Unix()}); err != nil {
				slog.Error("agent ping failed", "err", err)
				t.Close()
				return
			}
		case <-t.done:
			return
		}
	}
}

func classifyBackendError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "TIMEOUT"
	}
	return "CONNECTION_REFUSED"
}

func backendPort(targetURL string) (int, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return 0, fmt.Errorf("parsing backend.target_url: %w", err)
	}
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			return 443, nil
		}
		return 80, nil
	}
	return strconv.Atoi(port)
}
