package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/sotto-labs/sotto/pkg/bus"
	"github.com/sotto-labs/sotto/pkg/gateway"
	"github.com/sotto-labs/sotto/pkg/models"
)

// clientFrame is the envelope a client sends; payload stays open so each
// test supplies the concrete shape.
type clientFrame struct {
	V             int    `json:"v"`
	Type          string `json:"type"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Payload       any    `json:"payload,omitempty"`
}

// Dial opens a websocket through the HTTP API's /ws route and waits out
// the connection.established greeting.
func (a *TestApp) Dial(t *testing.T, sessionID, videoID, userID string) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("%s/ws?session_id=%s&video_id=%s", a.WSURL, sessionID, videoID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	header := http.Header{}
	header.Set("X-User-ID", userID)
	header.Set("X-Device-ID", "dev-1")
	sock, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	require.NoError(t, err)
	t.Cleanup(func() { sock.Close(websocket.StatusNormalClosure, "") })

	greeting := readFrame(t, sock)
	require.Equal(t, gateway.FrameConnectionEstablished, greeting.Type)
	return sock
}

func readFrame(t *testing.T, sock *websocket.Conn) gateway.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := sock.Read(ctx)
	require.NoError(t, err)

	var f gateway.Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

// awaitType reads frames until one of the wanted type arrives; everything
// else (mirrored video copies, state churn the test does not care about)
// is skipped.
func awaitType(t *testing.T, sock *websocket.Conn, frameType string) gateway.Frame {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("no %s frame within deadline", frameType)
		default:
		}
		f := readFrame(t, sock)
		if f.Type == frameType {
			return f
		}
	}
}

// awaitState skips ahead to the sequenced state.changed event entering the
// wanted status.
func awaitState(t *testing.T, sock *websocket.Conn, to models.SessionStatus) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("session never reached %s", to)
		default:
		}
		f := readFrame(t, sock)
		if f.Type != bus.EventTypeStateChanged || f.Sequence == 0 {
			continue
		}
		var p bus.StateChangedPayload
		require.NoError(t, json.Unmarshal(f.Payload, &p))
		if p.To == to {
			return
		}
	}
}

func send(t *testing.T, sock *websocket.Conn, f clientFrame) {
	t.Helper()
	if f.V == 0 {
		f.V = gateway.ProtocolVersion
	}
	data, err := json.Marshal(f)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sock.Write(ctx, websocket.MessageText, data))
}

func decodeNote(t *testing.T, f gateway.Frame) *models.Note {
	t.Helper()
	var p struct {
		Note *models.Note `json:"note"`
	}
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	require.NotNil(t, p.Note)
	return p.Note
}

// getJSON performs a GET against the API and decodes the response body
// into out when it is non-nil. Returns the status code.
func (a *TestApp) getJSON(t *testing.T, path string, out any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, a.BaseURL+path, nil)
	require.NoError(t, err)
	return a.doJSON(t, req, out)
}

// postJSON performs a POST with an optional JSON body.
func (a *TestApp) postJSON(t *testing.T, path string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(http.MethodPost, a.BaseURL+path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return a.doJSON(t, req, out)
}

func (a *TestApp) doJSON(t *testing.T, req *http.Request, out any) int {
	t.Helper()
	req.Header.Set("X-User-ID", "user-1")
	req.Header.Set("X-Device-ID", "dev-1")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	if out != nil && res.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(res.Body).Decode(out))
	}
	return res.StatusCode
}
