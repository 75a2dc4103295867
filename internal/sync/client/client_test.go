package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
	"github.com/fieldledger/fieldledger/backend/internal/models"
	"github.com/fieldledger/fieldledger/backend/internal/sync/nodes"
	"github.com/fieldledger/fieldledger/backend/internal/sync/protocol"
)

const (
	desktopID = "5b0c2f1e-7a44-4c1b-9d0e-3f2a1b4c5d6e"
	serverID  = "9e8d7c6b-5a49-4382-8716-05f4e3d2c1b0"
)

func outgoing(t *testing.T) *protocol.Envelope {
	t.Helper()
	body, err := protocol.MarshalBody(&protocol.Body{Entities: []protocol.Entity{
		{Type: "DailyReport", UUID: "33333333-3333-4333-8333-333333333333", Operation: models.OpInsert, Data: json.RawMessage(`{"weather":"rain"}`)},
	}})
	require.NoError(t, err)
	return &protocol.Envelope{
		Header: protocol.Header{
			SenderNodeID:    desktopID,
			RecipientNodeID: serverID,
			PacketNo:        1,
			SchemaVersion:   "1.0.0",
			Timestamp:       time.Now().UTC(),
			Checksum:        protocol.BodyChecksum(body),
		},
		Body: body,
	}
}

func TestExchange_RoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ExchangePath, r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
		assert.Equal(t, "gzip", r.Header.Get("Accept-Encoding"))

		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		in, err := protocol.Decode(data, 0)
		require.NoError(t, err)
		require.NoError(t, in.Verify())

		resp := &protocol.Envelope{Header: protocol.Header{
			SenderNodeID:    serverID,
			RecipientNodeID: in.Header.SenderNodeID,
			AckPacketNo:     in.Header.PacketNo,
			SchemaVersion:   "1.0.0",
		}}
		out, err := protocol.Encode(resp)
		require.NoError(t, err)
		w.Header().Set("Content-Type", protocol.ContentType)
		w.Header().Set("Content-Encoding", protocol.ContentEncoding)
		_, _ = w.Write(out)
	}))
	defer srv.Close()

	tr := New(srv.URL+"/", "secret-token", time.Second)
	resp, err := tr.Exchange(context.Background(), outgoing(t))
	require.NoError(t, err)
	assert.Equal(t, serverID, resp.Header.SenderNodeID)
	assert.Equal(t, int64(1), resp.Header.AckPacketNo)
	assert.Zero(t, resp.Header.PacketNo)
}

func TestExchange_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   apperrors.ErrorCode
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":"invalid node credentials"}`, apperrors.ErrAuthentication},
		{"schema", http.StatusUpgradeRequired, `{"error":"schema version 0.9.0 is outside the supported range"}`, apperrors.ErrSchemaVersion},
		{"blocked", http.StatusConflict, `{"error":"node is blocked","code":"QUEUE_CORRUPTION"}`, apperrors.ErrQueueCorruption},
		{"inactive", http.StatusConflict, `{"error":"node is deactivated","code":"NODE_INACTIVE"}`, apperrors.ErrNodeInactive},
		{"unavailable", http.StatusServiceUnavailable, ``, apperrors.ErrNetwork},
		{"bad gateway", http.StatusBadGateway, `<html>proxy error</html>`, apperrors.ErrNetwork},
		{"internal with code", http.StatusInternalServerError, `{"error":"boom","code":"DATABASE_ERROR"}`, apperrors.ErrNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := New(srv.URL, "t", time.Second).Exchange(context.Background(), outgoing(t))
			require.Error(t, err)
			assert.Equal(t, tt.want, apperrors.CodeOf(err), err.Error())
		})
	}
}

func TestExchange_ConnectionFailureIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url, "t", time.Second).Exchange(context.Background(), outgoing(t))
	assert.True(t, apperrors.Is(err, apperrors.ErrNetwork), "%v", err)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestExchange_TimeoutIsNetworkError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	_, err := New(srv.URL, "t", 50*time.Millisecond).Exchange(context.Background(), outgoing(t))
	assert.True(t, apperrors.Is(err, apperrors.ErrNetwork), "%v", err)
}

func TestRegister(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(AdminTokenHeader) != "admin" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":"admin token required"}`)
			return
		}
		var req RegisterRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "SITE-7", req.Code)
		_ = json.NewEncoder(w).Encode(RegisterResponse{
			NodeID:        desktopID,
			Token:         "fresh-token",
			ServerNodeID:  serverID,
			ServerCode:    "hq",
			SchemaVersion: "1.0.0",
		})
	}))
	defer srv.Close()

	tr := New(srv.URL, "", time.Second)
	_, err := tr.Register(context.Background(), "", "SITE-7", "Riverside")
	assert.True(t, apperrors.Is(err, apperrors.ErrAuthentication))

	res, err := tr.Register(context.Background(), "admin", "SITE-7", "Riverside")
	require.NoError(t, err)
	assert.Equal(t, desktopID, res.NodeID)
	assert.Equal(t, "fresh-token", res.Token)
	assert.Equal(t, serverID, res.ServerNodeID)
}

func TestRegister_IncompleteResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"node_id":"x"}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "", time.Second).Register(context.Background(), "", "A", "A")
	assert.True(t, apperrors.Is(err, apperrors.ErrSerialization))
}

func TestStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, StatusPath+desktopID, r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(nodes.Status{
			Node:           &models.SyncNode{ID: desktopID, Code: "SITE-7"},
			PendingChanges: 4,
			PendingPackets: 1,
		})
	}))
	defer srv.Close()

	st, err := New(srv.URL, "tok", time.Second).Status(context.Background(), desktopID)
	require.NoError(t, err)
	assert.Equal(t, "SITE-7", st.Node.Code)
	assert.Equal(t, int64(4), st.PendingChanges)
	assert.Equal(t, 1, st.PendingPackets)
}
