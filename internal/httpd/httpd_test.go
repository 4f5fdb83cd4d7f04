package httpd

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestDynamicRoutes(t *testing.T) {
	s := New("127.0.0.1:0")
	require.NoError(t, s.Start())
	defer s.Stop(context.Background())

	s.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "a")
	})
	s.HandleFunc("/a/deeper", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "deeper")
	})

	code, body := get(t, s.URL()+"/a")
	assert.Equal(t, 200, code)
	assert.Equal(t, "a", body)

	// Longest prefix wins.
	code, body = get(t, s.URL()+"/a/deeper/still")
	assert.Equal(t, 200, code)
	assert.Equal(t, "deeper", body)

	// Subpaths of a route fall through to it.
	code, body = get(t, s.URL()+"/a/sub")
	assert.Equal(t, 200, code)
	assert.Equal(t, "a", body)

	code, _ = get(t, s.URL()+"/missing")
	assert.Equal(t, 404, code)

	s.Unhandle("/a/deeper")
	code, body = get(t, s.URL()+"/a/deeper/still")
	assert.Equal(t, 200, code)
	assert.Equal(t, "a", body, "unregistered route falls back to the shorter prefix")

	s.Unhandle("/a")
	code, _ = get(t, s.URL()+"/a")
	assert.Equal(t, 404, code)
}

func TestStartIsIdempotentAndStopShutsDown(t *testing.T) {
	s := New("127.0.0.1:0")
	require.NoError(t, s.Start())
	addr := s.Addr()
	require.NoError(t, s.Start())
	assert.Equal(t, addr, s.Addr())

	require.NoError(t, s.Stop(context.Background()))
	_, err := http.Get("http://" + addr + "/")
	assert.Error(t, err)
}
