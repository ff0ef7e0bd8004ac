package agent

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/reverseproxy/tunnelgw/internal/protocol"
)

// maxUnaryBodySize is the largest response body sent as a single
// HTTP_RESPONSE frame; larger bodies are streamed via HTTP_RESPONSE_CHUNK.
const maxUnaryBodySize = 64 * 1024

// chunkSize is the body slice size used when streaming a response.
const chunkSize = 32 * 1024

// hopByHopHeaders are stripped before forwarding to the backend and again
// before forwarding the backend's response back through the tunnel.
var hopByHopHeaders = map[string]bool{
	"host":              true,
	"connection":        true,
	"upgrade":           true,
	"keep-alive":        true,
	"transfer-encoding": true,
	"proxy-connection":  true,
}

// BackendResponse is the handler's internal representation of a backend
// response before it is framed for the wire.
type BackendResponse struct {
	StatusCode   int
	Headers      map[string]string
	Body         string
	BodyEncoding string
}

// RequestHandler processes tunnelled requests against the local backend.
type RequestHandler struct {
	targetURL string
	client    *http.Client
}

// NewRequestHandler creates a handler targeting the given backend url.
func NewRequestHandler(targetURL string) *RequestHandler {
	return &RequestHandler{
		targetURL: strings.TrimSuffix(targetURL, "/"),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// HandleRequest decodes a tunnelled request, executes it against the local
// backend, and returns the backend's response in wire-ready form.
func (h *RequestHandler) HandleRequest(req protocol.HTTPRequestPayload) (*BackendResponse, error) {
	body, err := decodeBody(req.Body, req.BodyEncoding)
	if err != nil {
		return nil, fmt.Errorf("decoding request body: %w", err)
	}

	backendURL := h.targetURL + req.Path
	if len(req.Query) > 0 {
		values := make(url.Values, len(req.Query))
		for k, v := range req.Query {
			values.Set(k, v)
		}
		backendURL += "?" + values.Encode()
	}

	slog.Debug("forwarding request to backend", "method", req.Method, "url", backendURL)

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequest(req.Method, backendURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating backend request: %w", err)
	}
	for k, v := range req.Headers {
		if hopByHopHeaders[strings.ToLower(k)] {
			continue
		}
		httpReq.Header.Set(k, v)
	}
	httpReq.Host = httpReq.URL.Host

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("executing backend request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading backend response: %w", err)
	}

	headers := make(map[string]string)
	for k, v := range resp.Header {
		if len(v) == 0 || hopByHopHeaders[strings.ToLower(k)] {
			continue
		}
		headers[k] = v[0]
	}

	encoded, encoding := encodeBody(respBody)
	return &BackendResponse{
		StatusCode:   resp.StatusCode,
		Headers:      headers,
		Body:         encoded,
		BodyEncoding: encoding,
	}, nil
}

// decodeBody decodes a wire body per its encoding tag. An absent tag is
// assumed to be base64, per the wire protocol's encoding contract.
func decodeBody(body, encoding string) ([]byte, error) {
	switch encoding {
	case protocol.BodyEncodingBase64, "":
		return base64.StdEncoding.DecodeString(body)
	case protocol.BodyEncodingUTF8:
		return []byte(body), nil
	case protocol.BodyEncodingNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown body encoding %q", encoding)
	}
}

// encodeBody picks utf8 for valid text bodies and falls back to base64 for
// binary payloads, matching the gateway side's body encoding contract.
func encodeBody(body []byte) (string, string) {
	if len(body) == 0 {
		return "", protocol.BodyEncodingNone
	}
	if utf8.Valid(body) {
		return string(body), protocol.BodyEncodingUTF8
	}
	return base64.StdEncoding.EncodeToString(body), protocol.BodyEncodingBase64
}
