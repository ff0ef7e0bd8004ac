package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/reverseproxy/tunnelgw/internal/protocol"
	"github.com/reverseproxy/tunnelgw/internal/ratelimit"
)

// ControlServer accepts agent websocket connections, reads frames via the
// codec, and dispatches them by tag to the registry or the owning
// session's pending table.
type ControlServer struct {
	registry  *Registry
	apex      string
	authToken string
	access    *ratelimit.AccessGuard
	upgrader  websocket.Upgrader
}

// NewControlServer creates a control-channel server bound to registry.
// authToken, when non-empty, is validated against the HMAC token scheme
// shared with the agent (see ValidateToken); empty disables auth. access,
// when non-nil, is shared with the public Ingress: repeated failed auth
// attempts from an IP temporarily block that IP on both surfaces.
func NewControlServer(registry *Registry, apex, authToken string, access *ratelimit.AccessGuard) *ControlServer {
	return &ControlServer{
		registry:  registry,
		apex:      apex,
		authToken: authToken,
		access:    access,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and runs its read loop until the agent
// disconnects.
func (s *ControlServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	remoteIP := clientIP(r)
	if s.access != nil && s.access.IsBlocked(remoteIP) {
		http.Error(w, "unauthorised", http.StatusUnauthorized)
		return
	}

	if s.authToken != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = r.Header.Get("X-Auth-Token")
		}
		if err := ValidateToken(s.authToken, token); err != nil {
			slog.Warn("agent auth failed", "err", err, "remote", r.RemoteAddr)
			if s.access != nil {
				s.access.RecordFailedAuth(remoteIP)
			}
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		if s.access != nil {
			s.access.ClearFailedAuth(remoteIP)
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "err", err)
		return
	}

	s.runConnection(conn, r.RemoteAddr)
}

// runConnection owns one agent connection for its entire lifetime: it
// waits for the first frame to be a TUNNEL_REGISTER, binds the session,
// then dispatches every subsequent frame by tag.
func (s *ControlServer) runConnection(conn *websocket.Conn, remote string) {
	codec := protocol.NewCodec(conn)

	first, err := codec.ReadFrame()
	if err != nil {
		slog.Warn("connection closed before registration", "remote", remote, "err", err)
		codec.Close()
		return
	}
	if first.Type != protocol.TypeTunnelRegister {
		codec.Send(protocol.TypeError, protocol.ErrorPayload{Error: "first frame must be TUNNEL_REGISTER", Code: string(CodeInvalidMessage)})
		codec.Close()
		return
	}
	regPayload, err := protocol.DecodePayload[protocol.RegisterPayload](first)
	if err != nil {
		codec.Send(protocol.TypeError, protocol.ErrorPayload{Error: err.Error(), Code: string(CodeInvalidMessage)})
		codec.Close()
		return
	}

	tunnelID := uuid.NewString()
	session := NewSession(tunnelID, "", regPayload.LocalPort, conn, s.registry)

	if _, regErr := s.registry.Register(RegisterRequest{
		RequestedSubdomain: regPayload.Subdomain,
		LocalPort:          regPayload.LocalPort,
		TunnelID:           tunnelID,
	}, session); regErr != nil {
		codec.Send(protocol.TypeError, protocol.ErrorPayload{Error: regErr.Message, Code: string(regErr.Code)})
		codec.Close()
		return
	}

	publicURL := s.publicURLFor(session.Subdomain)
	if err := session.Send(protocol.TypeTunnelRegistered, protocol.RegisteredPayload{
		TunnelID:  tunnelID,
		Subdomain: session.Subdomain,
		PublicURL: publicURL,
	}); err != nil {
		return
	}
	slog.Info("agent registered", "tunnel_id", tunnelID, "subdomain", session.Subdomain, "remote", remote)

	session.Run()
	s.readLoop(session)
}

func (s *ControlServer) publicURLFor(subdomain string) string {
	return fmt.Sprintf("https://%s.%s", subdomain, s.apex)
}

// readLoop is the single reader task for a session. It dispatches every
// inbound frame by tag until the transport errors or closes.
func (s *ControlServer) readLoop(session *Session) {
	defer session.Close("client disconnected")
	for {
		frame, err := session.codec.ReadFrame()
		if err != nil {
			select {
			case <-session.Done():
			default:
				slog.Info("agent read error", "session_id", session.ID, "err", err)
			}
			return
		}
		session.Touch()
		s.dispatch(session, frame)
	}
}

func (s *ControlServer) dispatch(session *Session, frame *protocol.Frame) {
	switch frame.Type {
	case protocol.TypeHTTPResponse:
		s.handleResponse(session, frame)
	case protocol.TypeHTTPResponseChunk:
		s.handleChunk(session, frame)
	case protocol.TypeHTTPResponseEnd:
		s.handleEnd(session, frame)
	case protocol.TypeHTTPError:
		s.handleError(session, frame)
	case protocol.TypePing:
		session.Send(protocol.TypePong, protocol.PongPayload{Timestamp: time.Now().Unix()})
	case protocol.TypePong:
		// Touch already refreshed last-activity; nothing else to do.
	case protocol.TypeTunnelClose:
		payload, _ := protocol.DecodePayload[protocol.ClosePayload](frame)
		session.Close(payload.Reason)
	default:
		session.Send(protocol.TypeError, protocol.ErrorPayload{
			Error: fmt.Sprintf("unrecognized message type %q", frame.Type),
			Code:  string(CodeUnknownMessage),
		})
	}
}

func (s *ControlServer) handleResponse(session *Session, frame *protocol.Frame) {
	payload, err := protocol.DecodePayload[protocol.HTTPResponsePayload](frame)
	if err != nil {
		slog.Warn("invalid HTTP_RESPONSE payload", "session_id", session.ID, "err", err)
		return
	}
	if payload.Streaming {
		waiter, ok := session.PendingWaiter(payload.RequestID)
		if !ok {
			return
		}
		waiter.SetHeader(payload.StatusCode, stripHopByHop(payload.Headers))
		return
	}

	body, err := decodeBody(payload.Body, payload.BodyEncoding)
	if err != nil {
		slog.Warn("failed to decode response body", "request_id", payload.RequestID, "err", err)
		body = nil
	}
	session.CompletePending(payload.RequestID, &Outcome{
		StatusCode: payload.StatusCode,
		Headers:    payload.Headers,
		Body:       body,
	})
}

func (s *ControlServer) handleChunk(session *Session, frame *protocol.Frame) {
	payload, err := protocol.DecodePayload[protocol.HTTPResponseChunkPayload](frame)
	if err != nil {
		slog.Warn("invalid HTTP_RESPONSE_CHUNK payload", "session_id", session.ID, "err", err)
		return
	}
	waiter, ok := session.PendingWaiter(payload.RequestID)
	if !ok {
		return
	}
	decoded, err := decodeBody(payload.Chunk, protocol.BodyEncodingBase64)
	if err != nil {
		slog.Warn("failed to decode response chunk", "request_id", payload.RequestID, "index", payload.Index, "err", err)
		return
	}
	waiter.AppendChunk(payload.Index, string(decoded))
}

func (s *ControlServer) handleEnd(session *Session, frame *protocol.Frame) {
	payload, err := protocol.DecodePayload[protocol.HTTPResponseEndPayload](frame)
	if err != nil {
		slog.Warn("invalid HTTP_RESPONSE_END payload", "session_id", session.ID, "err", err)
		return
	}
	waiter, ok := session.PendingWaiter(payload.RequestID)
	if !ok {
		return
	}
	body, gap := waiter.AssembleChunks()
	if gap {
		slog.Warn("streamed response had gaps in chunk indices", "request_id", payload.RequestID)
	}
	status, headers := waiter.header()
	session.CompletePending(payload.RequestID, &Outcome{
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(body),
	})
}

func (s *ControlServer) handleError(session *Session, frame *protocol.Frame) {
	payload, err := protocol.DecodePayload[protocol.HTTPErrorPayload](frame)
	if err != nil {
		slog.Warn("invalid HTTP_ERROR payload", "session_id", session.ID, "err", err)
		return
	}
	code, defaultStatus := errorCodeFor(payload.Code)
	status := payload.StatusCode
	if status == 0 {
		status = defaultStatus
	}
	session.CompletePending(payload.RequestID, &Outcome{
		Err: &Error{Code: code, Message: payload.Error, Status: status},
	})
}

// errorCodeFor maps the agent's carried error code to a gateway-stable
// Code and default HTTP status: CONNECTION_REFUSED -> 503, TIMEOUT -> 504,
// * -> 502, unless the agent's status_code overrides it.
func errorCodeFor(agentCode string) (Code, int) {
	switch agentCode {
	case "CONNECTION_REFUSED":
		return CodeConnectionClosed, 503
	case "TIMEOUT":
		return CodeRequestTimeout, 504
	default:
		return CodeRequestFailed, 502
	}
}
