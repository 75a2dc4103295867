// Package client is the desktop side of the HTTP sync transport.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
	"github.com/fieldledger/fieldledger/backend/internal/logging"
	syncpkg "github.com/fieldledger/fieldledger/backend/internal/sync"
	"github.com/fieldledger/fieldledger/backend/internal/sync/nodes"
	"github.com/fieldledger/fieldledger/backend/internal/sync/protocol"
)

// Endpoint paths served by the sync server.
const (
	RegisterPath = "/api/sync/register"
	ExchangePath = "/api/sync/exchange"
	StatusPath   = "/api/sync/status/"

	AdminTokenHeader = "X-Admin-Token"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// RegisterRequest is the body of a registration call.
type RegisterRequest struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// RegisterResponse is returned once per registration; the token is not
// retrievable later.
type RegisterResponse struct {
	NodeID        string `json:"node_id"`
	Token         string `json:"token"`
	ServerNodeID  string `json:"server_node_id"`
	ServerCode    string `json:"server_code"`
	SchemaVersion string `json:"schema_version"`
}

// ErrorResponse is the JSON body the server sends with a non-2xx status.
type ErrorResponse struct {
	Error string              `json:"error"`
	Code  apperrors.ErrorCode `json:"code,omitempty"`
}

// HTTPTransport exchanges envelopes with the server over HTTP.
type HTTPTransport struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	// MaxDecoded caps the decompressed size of a response envelope.
	MaxDecoded int64
}

var _ syncpkg.Transport = (*HTTPTransport)(nil)

// New creates an HTTPTransport with a client that times out after timeout.
func New(baseURL, token string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPTransport{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (t *HTTPTransport) client() *http.Client {
	if t.HTTPClient != nil {
		return t.HTTPClient
	}
	return http.DefaultClient
}

func (t *HTTPTransport) url(path string) string {
	return strings.TrimSuffix(t.BaseURL, "/") + path
}

// Register creates a node on the server. adminToken is required when the
// server has one configured.
func (t *HTTPTransport) Register(ctx context.Context, adminToken, code, name string) (*RegisterResponse, error) {
	body, err := json.Marshal(RegisterRequest{Code: code, Name: name})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSerialization, "encode register request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url(RegisterPath), bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "build register request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if adminToken != "" {
		req.Header.Set(AdminTokenHeader, adminToken)
	}

	var out RegisterResponse
	if err := t.doJSON(req, &out); err != nil {
		return nil, err
	}
	if out.NodeID == "" || out.Token == "" || out.ServerNodeID == "" {
		return nil, apperrors.New(apperrors.ErrSerialization, "incomplete register response")
	}
	return &out, nil
}

// Exchange sends one envelope and returns the server's envelope.
func (t *HTTPTransport) Exchange(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error) {
	payload, err := protocol.Encode(env)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url(ExchangePath), bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "build exchange request", err)
	}
	req.Header.Set("Content-Type", protocol.ContentType)
	req.Header.Set("Content-Encoding", protocol.ContentEncoding)
	// Set explicitly so the transport does not transparently gunzip the body.
	req.Header.Set("Accept-Encoding", protocol.ContentEncoding)
	req.Header.Set("Authorization", "Bearer "+t.Token)

	resp, err := t.client().Do(req)
	if err != nil {
		return nil, networkError("exchange", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, networkError("read exchange response", err)
	}
	var out *protocol.Envelope
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), protocol.ContentEncoding) {
		out, err = protocol.Decode(data, t.MaxDecoded)
	} else {
		out, err = protocol.Unmarshal(data)
	}
	if err != nil {
		return nil, err
	}
	logging.Debug("exchange response received", map[string]interface{}{
		"packet_no":     out.Header.PacketNo,
		"ack_packet_no": out.Header.AckPacketNo,
		"bytes":         len(data),
	})
	return out, nil
}

// Status asks the server for its view of a node.
func (t *HTTPTransport) Status(ctx context.Context, nodeID string) (*nodes.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url(StatusPath+url.PathEscape(nodeID)), nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "build status request", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.Token)
	var out nodes.Status
	if err := t.doJSON(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (t *HTTPTransport) doJSON(req *http.Request, out interface{}) error {
	resp, err := t.client().Do(req)
	if err != nil {
		return networkError(req.URL.Path, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(apperrors.ErrSerialization, "decode response", err)
	}
	return nil
}

// checkStatus turns a non-2xx response into an AppError. The code the server
// put in the body wins over the one derived from the status.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	code := apperrors.FromHTTPStatus(resp.StatusCode)
	msg := http.StatusText(resp.StatusCode)

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body ErrorResponse
	if json.Unmarshal(raw, &body) == nil {
		if body.Error != "" {
			msg = body.Error
		}
		if body.Code != "" && resp.StatusCode < 500 {
			code = body.Code
		}
	}
	return apperrors.Newf(code, "server returned %d: %s", resp.StatusCode, msg)
}

func networkError(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.Wrap(apperrors.ErrNetwork, fmt.Sprintf("%s timed out", op), err)
	}
	return apperrors.Wrap(apperrors.ErrNetwork, fmt.Sprintf("%s failed", op), err)
}
