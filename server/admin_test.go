package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/guseggert/nailgun/client"
	"github.com/guseggert/nailgun/internal/tlsutil"
	"github.com/guseggert/nailgun/lifecycle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, b
}

func TestAdminEndpoints(t *testing.T) {
	ts := startServer(t)
	hs := httptest.NewServer(ts.AdminHandler())
	t.Cleanup(hs.Close)

	_, err := ts.client().Run(context.Background(), client.Request{Command: "echo", Args: []string{"hi"}})
	require.NoError(t, err)

	code, body := get(t, hs.URL+"/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"status":"ok"`)

	code, body = get(t, hs.URL+"/stats")
	require.Equal(t, http.StatusOK, code)
	var stats []lifecycle.Stats
	require.NoError(t, json.Unmarshal(body, &stats))
	require.Len(t, stats, 1)
	assert.Equal(t, "test.Echo", stats[0].Name)
	assert.EqualValues(t, 1, stats[0].Finished)

	code, body = get(t, hs.URL+"/aliases")
	require.Equal(t, http.StatusOK, code)
	var aliases []AliasInfo
	require.NoError(t, json.Unmarshal(body, &aliases))
	names := map[string]string{}
	for _, a := range aliases {
		names[a.Name] = a.Nail
	}
	assert.Equal(t, "test.Echo", names["echo"])
	assert.Equal(t, "nailgun.Stop", names["ng-stop"])

	code, body = get(t, hs.URL+"/metrics")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `nailgun_nail_started_total{nail="test.Echo"} 1`)

	require.NoError(t, ts.Shutdown(context.Background(), false))
	code, _ = get(t, hs.URL+"/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestWebSocketTransport(t *testing.T) {
	ts := startServer(t)
	hs := httptest.NewServer(ts.AdminHandler())
	t.Cleanup(hs.Close)

	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http") + "/nail"
	c := client.New("", "", client.WithWebSocket(wsURL, nil))

	stdout := &bytes.Buffer{}
	code, err := c.Run(context.Background(), client.Request{Command: "echo", Args: []string{"over", "websocket"}, Stdout: stdout})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "over websocket", stdout.String())

	input := strings.Repeat("abcdefgh", 20000)
	stdout.Reset()
	code, err = c.Run(context.Background(), client.Request{Command: "cat", Stdin: strings.NewReader(input), Stdout: stdout})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, input, stdout.String())

	stderr := &bytes.Buffer{}
	code, err = c.Run(context.Background(), client.Request{Command: "nope", Stderr: stderr})
	require.NoError(t, err)
	assert.Equal(t, 896, code)
	assert.Contains(t, stderr.String(), "no such command")
}

func TestMutualTLS(t *testing.T) {
	bundle, err := tlsutil.Generate("127.0.0.1")
	require.NoError(t, err)
	serverCfg, err := tlsutil.ServerConfig(bundle.CA.CertPEM, bundle.Server.CertPEM, bundle.Server.KeyPEM)
	require.NoError(t, err)
	clientCfg, err := tlsutil.ClientConfig(bundle.CA.CertPEM, bundle.Client.CertPEM, bundle.Client.KeyPEM)
	require.NoError(t, err)

	ts := startServer(t, WithTLSConfig(serverCfg))

	stdout := &bytes.Buffer{}
	code, err := ts.client(client.WithTLSConfig(clientCfg)).Run(context.Background(), client.Request{
		Command: "echo",
		Args:    []string{"secure"},
		Stdout:  stdout,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "secure", stdout.String())

	_, err = ts.client().Run(context.Background(), client.Request{Command: "echo"})
	assert.Error(t, err)
}
