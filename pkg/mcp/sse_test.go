package mcp

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// startSSE serves f over SSE and returns the base URL and a channel with
// ServeSSE's result.
func startSSE(t *testing.T, f *fixture, ctx context.Context) (string, <-chan error) {
	t.Helper()
	addr := freeAddr(t)
	baseURL := "http://" + addr

	errCh := make(chan error, 1)
	go func() {
		errCh <- f.srv.ServeSSE(ctx, addr, baseURL)
	}()

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 3*time.Second, 50*time.Millisecond, "SSE server did not start")
	return baseURL, errCh
}

func TestServeSSE_StartStop(t *testing.T) {
	f := newFixture(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, errCh := startSSE(t, f, ctx)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, http.ErrServerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}

func TestServeSSE_ClientRoundTrip(t *testing.T) {
	f := newFixture(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	baseURL, _ := startSSE(t, f, ctx)

	c, err := client.NewSSEMCPClient(baseURL + "/sse")
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Start(ctx))

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "sse-test", Version: "1.0.0"}
	_, err = c.Initialize(ctx, initReq)
	require.NoError(t, err)

	tools, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	require.NoError(t, err)
	assert.Len(t, tools.Tools, 9)

	res, err := c.CallTool(ctx, mcp.CallToolRequest{Params: mcp.CallToolParams{
		Name:      "workflow.list",
		Arguments: map[string]any{"type": "template"},
	}})
	require.NoError(t, err)
	require.False(t, res.IsError)

	var listing struct {
		Workflows []struct {
			ID string `json:"id"`
		} `json:"workflows"`
	}
	require.NoError(t, json.Unmarshal([]byte(extractText(t, res)), &listing))
	ids := make([]string, 0, len(listing.Workflows))
	for _, w := range listing.Workflows {
		ids = append(ids, w.ID)
	}
	assert.Contains(t, ids, "ppc_campaign_template")
}

func TestServeSSE_PortInUse(t *testing.T) {
	f := newFixture(t, false)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	addr := l.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err = f.srv.ServeSSE(ctx, addr, "http://"+addr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address already in use")
}
