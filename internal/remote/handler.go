package remote

import (
	"encoding/json"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"

	"gust/internal/httpd"
)

// remotePath is where the control handler mounts.
const remotePath = "/remote"

// Handler installs slave nodes over HTTP: POST a SlaveSpec to create
// one, GET to list the active endpoints.
type Handler struct {
	server   *httpd.Server
	registry Registry

	mu    sync.Mutex
	nodes []*SlaveNode
}

// Install mounts the handler at /remote on server. A nil registry means
// the default one.
func Install(server *httpd.Server, reg Registry) *Handler {
	if reg == nil {
		reg = DefaultRegistry()
	}
	h := &Handler{server: server, registry: reg}
	server.Handle(remotePath, h)
	return h
}

// NodeURLs lists the endpoints of the active slave nodes.
func (h *Handler) NodeURLs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	urls := make([]string, len(h.nodes))
	for i, n := range h.nodes {
		urls[i] = n.URL()
	}
	return urls
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != remotePath {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(h.NodeURLs())
	case http.MethodPost:
		h.create(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var spec SlaveSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		http.Error(w, "invalid slave spec: "+err.Error(), http.StatusBadRequest)
		return
	}
	node, err := NewSlaveNode(h.server, &spec, h.registry)
	if err != nil {
		log.WithError(err).Warn("slave node construction failed")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	h.nodes = append(h.nodes, node)
	h.mu.Unlock()
	node.Events.On(EventEnd, func(any) { h.remove(node) })

	w.Header().Set("Location", node.URL())
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) remove(node *SlaveNode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, n := range h.nodes {
		if n == node {
			h.nodes = append(h.nodes[:i], h.nodes[i+1:]...)
			return
		}
	}
}
