// Package request adapts HTTP requests into schedulable iteration
// functions. A generator produces one request per iteration; the adapter
// observes the response or the per-request timeout, whichever fires
// first, and reports exactly one result.
package request

import (
	"bytes"
	"context"
	"hash/fnv"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"gust/internal/loop"
)

// Request describes one HTTP exchange to perform.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// Timeout bounds the whole exchange. Zero means no per-request
	// timeout beyond the client's own.
	Timeout time.Duration

	// OnWrite, when set, is invoked for every request-body chunk as the
	// transport consumes it. Set by Traceable.
	OnWrite func(chunk []byte)
}

// Generator produces the next request for a virtual user, or nil when
// the user has nothing to do this iteration.
type Generator func(client *http.Client) *Request

// NewLoop wraps gen into an iteration function. The per-user argument
// must be an *http.Client (or nil for http.DefaultClient).
func NewLoop(gen Generator) loop.IterationFunc {
	return func(finish loop.FinishFunc, arg any) {
		client, _ := arg.(*http.Client)
		if client == nil {
			client = http.DefaultClient
		}
		req := gen(client)
		if req == nil {
			// Idle iteration.
			finish(nil)
			return
		}
		finish(Do(client, req))
	}
}

// Do performs one exchange and classifies the outcome. Timeouts and
// connect errors yield status code zero with the distinguishing tag; the
// response body is drained so the connection can be reused.
func Do(client *http.Client, r *Request) *loop.Result {
	res := &loop.Result{
		Method:    r.Method,
		BodyBytes: int64(len(r.Body)),
		BodyHash:  Fingerprint(r.Method, r.URL, r.Body),
	}
	if u, err := url.Parse(r.URL); err == nil {
		res.Path = u.Path
	}

	ctx := context.Background()
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	var body io.Reader
	if len(r.Body) > 0 {
		if r.OnWrite != nil {
			body = &tracingReader{r: bytes.NewReader(r.Body), fn: r.OnWrite}
		} else {
			body = bytes.NewReader(r.Body)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		res.Tag = loop.TagConnectError
		res.Err = errors.Wrap(err, "build request")
		return res
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
			res.Tag = loop.TagTimeout
		} else {
			res.Tag = loop.TagConnectError
		}
		res.Err = err
		return res
	}

	n, _ := io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	res.Tag = loop.TagResponse
	res.StatusCode = resp.StatusCode
	res.RespBytes = n
	return res
}

// Traceable builds a request whose body reports every written chunk,
// so byte-level statistics can observe it.
func Traceable(method, rawURL string, header http.Header, body []byte, onWrite func([]byte)) *Request {
	return &Request{
		Method:  method,
		URL:     rawURL,
		Header:  header,
		Body:    body,
		OnWrite: onWrite,
	}
}

// Fingerprint identifies a request by method, path and body content,
// for unique-request counting.
func Fingerprint(method, rawURL string, body []byte) uint64 {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
	}
	h := fnv.New64a()
	io.WriteString(h, method)
	h.Write([]byte{0})
	io.WriteString(h, path)
	h.Write([]byte{0})
	h.Write(body)
	return h.Sum64()
}

type tracingReader struct {
	r  *bytes.Reader
	fn func([]byte)
}

func (t *tracingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.fn(p[:n])
	}
	return n, err
}
