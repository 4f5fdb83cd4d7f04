package request

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gust/internal/loop"
)

func TestDoClassifiesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))
	defer srv.Close()

	res := Do(srv.Client(), &Request{Method: "GET", URL: srv.URL + "/pot"})
	assert.Equal(t, loop.TagResponse, res.Tag)
	assert.Equal(t, http.StatusTeapot, res.StatusCode)
	assert.Equal(t, "/pot", res.Path)
	assert.Equal(t, int64(len("short and stout")), res.RespBytes)
	assert.NoError(t, res.Err)
}

func TestDoClassifiesTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	start := time.Now()
	res := Do(srv.Client(), &Request{Method: "GET", URL: srv.URL, Timeout: 100 * time.Millisecond})
	assert.Equal(t, loop.TagTimeout, res.Tag)
	assert.Zero(t, res.StatusCode)
	assert.Error(t, res.Err)
	assert.Less(t, time.Since(start), 400*time.Millisecond, "timeout must abandon the request")
}

func TestDoClassifiesConnectError(t *testing.T) {
	// Nothing listens here.
	res := Do(http.DefaultClient, &Request{Method: "GET", URL: "http://127.0.0.1:1/nope"})
	assert.Equal(t, loop.TagConnectError, res.Tag)
	assert.Zero(t, res.StatusCode)
	assert.Error(t, res.Err)
}

func TestNewLoopIdleIteration(t *testing.T) {
	fn := NewLoop(func(*http.Client) *Request { return nil })
	done := make(chan *loop.Result, 1)
	fn(func(r *loop.Result) { done <- r }, http.DefaultClient)

	select {
	case r := <-done:
		assert.Nil(t, r, "idle iteration finishes with a nil result")
	case <-time.After(time.Second):
		t.Fatal("finish was not called")
	}
}

func TestTraceableReportsBodyChunks(t *testing.T) {
	var seen int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	body := []byte(`{"query":"why is the sky blue"}`)
	req := Traceable("POST", srv.URL, http.Header{"Content-Type": {"application/json"}}, body,
		func(chunk []byte) { atomic.AddInt64(&seen, int64(len(chunk))) })

	res := Do(srv.Client(), req)
	require.Equal(t, loop.TagResponse, res.Tag)
	assert.Equal(t, int64(len(body)), atomic.LoadInt64(&seen))
	assert.Equal(t, int64(len(body)), res.BodyBytes)
}

func TestFingerprintDistinguishesRequests(t *testing.T) {
	a := Fingerprint("GET", "http://h/a", nil)
	b := Fingerprint("GET", "http://h/b", nil)
	c := Fingerprint("POST", "http://h/a", nil)
	d := Fingerprint("GET", "http://h/a", []byte("x"))

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.Equal(t, a, Fingerprint("GET", "http://other-host/a", nil),
		"fingerprints are method+path+body, host-agnostic")
}

func TestTemplateRendersVariables(t *testing.T) {
	e := NewTemplateEngine()
	tpl, err := e.Parse("body", `{"user":{{user}},"id":"{{uuid}}"}`)
	require.NoError(t, err)

	out, err := e.Execute(tpl, TemplateData{User: 7, UUID: "fixed"})
	require.NoError(t, err)
	assert.Equal(t, `{"user":7,"id":"fixed"}`, out)
}

func TestTemplateFunctions(t *testing.T) {
	e := NewTemplateEngine()
	tpl, err := e.Parse("f", `{{randomChoice "a"}}{{randomInt 3 4}}`)
	require.NoError(t, err)

	out, err := e.Execute(tpl, TemplateData{})
	require.NoError(t, err)
	assert.Equal(t, "a3", out)
}
