// Package remote implements the master/slave control plane: a
// named-method RPC endpoint mounted on the embedded HTTP server, a
// reconnecting client for calling one, and the slave node installed
// through /remote.
package remote

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"gust/internal/event"
	"gust/internal/httpd"
)

// Lifecycle event names.
const (
	// EventStart is emitted when a slave node comes up.
	EventStart = "start"
	// EventEnd is emitted when an endpoint, client or node is destroyed.
	EventEnd = "end"
)

// MethodFunc is one callable installed on an endpoint. args carries the
// static params first, then the caller's arguments.
type MethodFunc func(ctx *Context, args []any) (any, error)

// Context is the mutable state shared by the methods of one endpoint.
type Context struct {
	mu    sync.Mutex
	state any
}

// SetState replaces the endpoint state.
func (c *Context) SetState(v any) {
	c.mu.Lock()
	c.state = v
	c.mu.Unlock()
}

// State returns the current endpoint state.
func (c *Context) State() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

type endpointState int

const (
	endpointInitialized endpointState = iota
	endpointStarted
	endpointDestroyed
)

// callEnvelope is the wire request: POST {"method": ..., "args": [...]}.
type callEnvelope struct {
	Method string `json:"method"`
	Args   []any  `json:"args"`
}

// replyEnvelope is the wire response: {"result": ...} or {"error": ...}.
type replyEnvelope struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Endpoint is an HTTP-mounted method-dispatch table.
type Endpoint struct {
	Events *event.Emitter

	server *httpd.Server
	path   string
	ctx    *Context

	mu           sync.Mutex
	state        endpointState
	methods      map[string]MethodFunc
	staticParams []any
}

// NewEndpoint allocates an endpoint on server under a fresh /remote/
// path. The route is not registered until Start.
func NewEndpoint(server *httpd.Server) *Endpoint {
	return &Endpoint{
		Events:  event.NewEmitter(),
		server:  server,
		path:    "/remote/" + uuid.New().String()[:8],
		ctx:     &Context{},
		methods: make(map[string]MethodFunc),
	}
}

// Path returns the endpoint's route path.
func (e *Endpoint) Path() string { return e.path }

// URL returns the full endpoint URL on the owning server.
func (e *Endpoint) URL() string { return e.server.URL() + e.path }

// Context returns the endpoint's shared method context.
func (e *Endpoint) Context() *Context { return e.ctx }

// DefineMethod installs fn under name.
func (e *Endpoint) DefineMethod(name string, fn MethodFunc) {
	e.mu.Lock()
	e.methods[name] = fn
	e.mu.Unlock()
}

// SetStaticParams sets the arguments prepended to every call.
func (e *Endpoint) SetStaticParams(params []any) {
	e.mu.Lock()
	e.staticParams = params
	e.mu.Unlock()
}

// Start registers the endpoint's route. No-op unless initialized.
func (e *Endpoint) Start() {
	e.mu.Lock()
	if e.state != endpointInitialized {
		e.mu.Unlock()
		return
	}
	e.state = endpointStarted
	e.mu.Unlock()
	e.server.Handle(e.path, e)
}

// Destroy unregisters the route and emits end. Idempotent.
func (e *Endpoint) Destroy() {
	e.mu.Lock()
	if e.state == endpointDestroyed {
		e.mu.Unlock()
		return
	}
	started := e.state == endpointStarted
	e.state = endpointDestroyed
	e.mu.Unlock()

	if started {
		e.server.Unhandle(e.path)
	}
	e.Events.Emit(EventEnd, e)
}

// ServeHTTP dispatches one method call. An unknown method is a
// successful HTTP exchange carrying an error reply; malformed JSON is a
// 400.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var call callEnvelope
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		http.Error(w, "malformed call: "+err.Error(), http.StatusBadRequest)
		return
	}

	e.mu.Lock()
	fn := e.methods[call.Method]
	args := append(append([]any{}, e.staticParams...), call.Args...)
	e.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if fn == nil {
		json.NewEncoder(w).Encode(replyEnvelope{Error: "unknown method"})
		return
	}

	result, err := fn(e.ctx, args)
	if err != nil {
		log.WithFields(log.Fields{"endpoint": e.path, "method": call.Method}).
			WithError(err).Warn("endpoint method failed")
		json.NewEncoder(w).Encode(replyEnvelope{Error: err.Error()})
		return
	}
	json.NewEncoder(w).Encode(replyEnvelope{Result: result})
}
