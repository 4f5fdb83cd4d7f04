// Package httpd is the embedded HTTP server handle shared by the
// control plane. Unlike a static mux, routes can be registered and
// removed while the server runs, which is what endpoint lifetimes
// require.
package httpd

import (
	"context"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Server serves a mutable table of path-prefix routes.
type Server struct {
	addr string

	mu     sync.RWMutex
	routes map[string]http.Handler
	srv    *http.Server
	ln     net.Listener
}

// New builds a server that will listen on addr (host:port; an empty or
// ":0" port picks a free one).
func New(addr string) *Server {
	return &Server{addr: addr, routes: make(map[string]http.Handler)}
}

// Handle registers handler for prefix, replacing any previous handler.
func (s *Server) Handle(prefix string, h http.Handler) {
	s.mu.Lock()
	s.routes[prefix] = h
	s.mu.Unlock()
}

// HandleFunc registers fn for prefix.
func (s *Server) HandleFunc(prefix string, fn func(http.ResponseWriter, *http.Request)) {
	s.Handle(prefix, http.HandlerFunc(fn))
}

// Unhandle removes the route for prefix. Requests to it 404 afterwards.
func (s *Server) Unhandle(prefix string) {
	s.mu.Lock()
	delete(s.routes, prefix)
	s.mu.Unlock()
}

// ServeHTTP dispatches to the longest registered prefix matching the
// request path.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	var prefixes []string
	for p := range s.routes {
		prefixes = append(prefixes, p)
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	var h http.Handler
	for _, p := range prefixes {
		if r.URL.Path == p || strings.HasPrefix(r.URL.Path, strings.TrimSuffix(p, "/")+"/") {
			h = s.routes[p]
			break
		}
	}
	s.mu.RUnlock()

	if h == nil {
		http.NotFound(w, r)
		return
	}
	h.ServeHTTP(w, r)
}

// Start begins listening and serving. It returns once the listener is
// bound, so URL is valid immediately after.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.addr)
	}
	s.ln = ln
	srv := &http.Server{Handler: s}
	s.srv = srv
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("embedded http server failed")
		}
	}()
	log.WithField("addr", ln.Addr().String()).Info("embedded http server listening")
	return nil
}

// Addr returns the bound listen address, or the configured one before
// Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// URL returns the server base URL without a trailing slash.
func (s *Server) URL() string {
	return "http://" + s.Addr()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
