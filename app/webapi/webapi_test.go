package webapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statsStub struct{}

func (s *statsStub) Daily() map[string]map[string]int {
	return map[string]map[string]int{"-100123": {"2026-08-29": 3}}
}

func (s *statsStub) PatternHits() map[string]int {
	return map[string]int{"работа": 5, "crypto": 2}
}

func startServer(t *testing.T, passwd string) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	srv := NewServer(Config{Version: "test", ListenAddr: addr, Stats: &statsStub{}, AuthPasswd: passwd})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Error("server failed to stop")
		}
	})

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/ping", addr))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	return addr
}

func TestServer_Stats(t *testing.T) {
	addr := startServer(t, "")

	resp, err := http.Get(fmt.Sprintf("http://%s/stats/daily", addr))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "tg-guard", resp.Header.Get("App-Name"))

	var daily struct {
		Daily map[string]map[string]int `json:"daily"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&daily))
	assert.Equal(t, 3, daily.Daily["-100123"]["2026-08-29"])

	resp2, err := http.Get(fmt.Sprintf("http://%s/stats/patterns", addr))
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var patterns struct {
		Patterns map[string]int `json:"patterns"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&patterns))
	assert.Equal(t, 5, patterns.Patterns["работа"])
	assert.Equal(t, 2, patterns.Patterns["crypto"])
}

func TestServer_BasicAuth(t *testing.T) {
	addr := startServer(t, "secret")

	resp, err := http.Get(fmt.Sprintf("http://%s/stats/daily", addr))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest("GET", fmt.Sprintf("http://%s/stats/daily", addr), http.NoBody)
	require.NoError(t, err)
	req.SetBasicAuth("tg-guard", "secret")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestServer_UnknownRoute(t *testing.T) {
	addr := startServer(t, "")

	resp, err := http.Get(fmt.Sprintf("http://%s/nope", addr))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
