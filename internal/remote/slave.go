package remote

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	log "github.com/sirupsen/logrus"

	"gust/internal/errutil"
	"gust/internal/event"
	"gust/internal/httpd"
)

// defaultUpdateInterval is the slave state reporting period when the
// spec does not set one.
const defaultUpdateInterval = 2 * time.Second

// SlaveMethod names one method to install on the slave endpoint. Fun
// selects the implementation from the node's method registry; empty
// means the method's own name. Remote code is never executed.
type SlaveMethod struct {
	Name string `json:"name"`
	Fun  string `json:"fun"`
}

// SlaveSpec is the wire description of a slave node, POSTed to /remote.
type SlaveSpec struct {
	ID             int           `json:"id"`
	Master         string        `json:"master,omitempty"`
	MasterMethods  []string      `json:"masterMethods,omitempty"`
	SlaveMethods   []SlaveMethod `json:"slaveMethods"`
	UpdateInterval int           `json:"updateInterval,omitempty"` // milliseconds
}

// SlaveNode is the slave side of the control plane: an installed RPC
// endpoint plus an optional persistent reporting link to the master.
type SlaveNode struct {
	Events *event.Emitter

	ID       int
	endpoint *Endpoint
	master   *EndpointClient
	updater  *event.PeriodicUpdater

	mu        sync.Mutex
	destroyed bool
}

// NewSlaveNode constructs and starts a node from spec. Slave methods
// resolve against reg (the default registry when nil); an unknown
// method aborts construction, tears the partial endpoint down and
// reports a ConfigError.
func NewSlaveNode(server *httpd.Server, spec *SlaveSpec, reg Registry) (*SlaveNode, error) {
	if reg == nil {
		reg = DefaultRegistry()
	}

	ep := NewEndpoint(server)
	for _, m := range spec.SlaveMethods {
		key := m.Fun
		if key == "" {
			key = m.Name
		}
		fn, ok := reg[key]
		if !ok {
			ep.Destroy()
			return nil, errutil.Configf("slave method %q: %q is not in the method registry", m.Name, key)
		}
		ep.DefineMethod(m.Name, fn)
	}

	n := &SlaveNode{
		Events:   event.NewEmitter(),
		ID:       spec.ID,
		endpoint: ep,
	}

	if spec.Master != "" {
		cl := NewEndpointClient(spec.Master)
		cl.Define("updateSlaveState_")
		for _, name := range spec.MasterMethods {
			cl.Define(name)
		}
		cl.SetStaticParams([]any{spec.ID})
		n.master = cl
	}

	interval := defaultUpdateInterval
	if spec.UpdateInterval > 0 {
		interval = time.Duration(spec.UpdateInterval) * time.Millisecond
	}
	n.updater = event.NewPeriodicUpdater(interval, n.reportState)

	ep.Start()
	ep.Context().SetState("initialized")
	ep.Events.On(EventEnd, func(any) { n.Destroy() })

	if n.master != nil {
		n.master.Events.On(EventEnd, func(any) { n.Destroy() })
		n.master.Connect()
		n.updater.Start()
	}

	log.WithFields(log.Fields{"slave": spec.ID, "url": n.URL()}).Info("slave node installed")
	go n.Events.Emit(EventStart, n)
	return n, nil
}

// URL returns the node's endpoint URL.
func (n *SlaveNode) URL() string { return n.endpoint.URL() }

// Endpoint returns the node's installed endpoint.
func (n *SlaveNode) Endpoint() *Endpoint { return n.endpoint }

// Master returns the reporting client, nil without a master.
func (n *SlaveNode) Master() *EndpointClient { return n.master }

// reportState pushes the node state plus host telemetry to the master.
// Skipped while the link is down; updates resume after reconnection.
func (n *SlaveNode) reportState() {
	if n.master == nil || n.master.State() != Connected {
		return
	}
	payload := map[string]any{
		"state": n.endpoint.Context().State(),
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		payload["cpupercent"] = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		payload["memusedpercent"] = vm.UsedPercent
	}
	if avg, err := load.Avg(); err == nil {
		payload["load1min"] = avg.Load1
	}
	if _, err := n.master.Call("updateSlaveState_", payload); err != nil {
		log.WithField("slave", n.ID).WithError(err).Debug("state update failed")
	}
}

// Destroy tears down both sides of the node and emits end. Idempotent;
// also triggered by either side ending.
func (n *SlaveNode) Destroy() {
	n.mu.Lock()
	if n.destroyed {
		n.mu.Unlock()
		return
	}
	n.destroyed = true
	n.mu.Unlock()

	n.updater.Stop()
	if n.master != nil {
		n.master.Destroy()
	}
	n.endpoint.Destroy()
	n.Events.Emit(EventEnd, n)
}
