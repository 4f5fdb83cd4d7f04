package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"gust/internal/errutil"
	"gust/internal/event"
)

// ClientState is the endpoint client lifecycle state.
type ClientState int32

const (
	Disconnected ClientState = iota
	Connecting
	Connected
	Reconnect
	Destroyed
)

func (s ClientState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnect:
		return "reconnect"
	case Destroyed:
		return "destroyed"
	}
	return "unknown"
}

// Client event names.
const (
	EventConnect = "connect"
)

var (
	errNotConnected = errors.New("not connected")
	errDestroyed    = errors.New("client destroyed")
)

// EndpointClient calls methods on a remote endpoint. Transport failures
// flip it into a reconnect cycle with exponential back-off; calls made
// while reconnecting are rejected rather than buffered.
type EndpointClient struct {
	Events *event.Emitter

	url  string
	http *http.Client

	mu           sync.Mutex
	state        ClientState
	staticParams []any
	methods      map[string]bool
	bo           *backoff.ExponentialBackOff
	retryTimer   *time.Timer
	cancel       context.CancelFunc
}

// NewEndpointClient builds a client for the endpoint at url in the
// disconnected state. Call Connect to bring the link up.
func NewEndpointClient(url string) *EndpointClient {
	return &EndpointClient{
		Events:  event.NewEmitter(),
		url:     url,
		http:    &http.Client{Timeout: 10 * time.Second},
		methods: make(map[string]bool),
	}
}

// URL returns the remote endpoint URL.
func (c *EndpointClient) URL() string { return c.url }

// State returns the current client state.
func (c *EndpointClient) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Define declares a callable remote method name.
func (c *EndpointClient) Define(name string) {
	c.mu.Lock()
	c.methods[name] = true
	c.mu.Unlock()
}

// SetStaticParams sets arguments prepended to every call.
func (c *EndpointClient) SetStaticParams(params []any) {
	c.mu.Lock()
	c.staticParams = params
	c.mu.Unlock()
}

// Connect probes the remote endpoint. On failure the client enters the
// reconnect cycle and keeps probing in the background.
func (c *EndpointClient) Connect() {
	c.mu.Lock()
	if c.state != Disconnected && c.state != Reconnect {
		c.mu.Unlock()
		return
	}
	c.state = Connecting
	c.mu.Unlock()
	go c.probe()
}

// probe performs a transport-level round trip. Any HTTP reply at all,
// including "unknown method" or a 404, proves the link.
func (c *EndpointClient) probe() {
	err := c.probeTransport()
	c.mu.Lock()
	if c.state == Destroyed {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.scheduleRetryLocked()
		c.mu.Unlock()
		return
	}
	c.state = Connected
	c.bo = nil
	c.mu.Unlock()
	log.WithField("url", c.url).Debug("endpoint client connected")
	c.Events.Emit(EventConnect, c)
}

// scheduleRetryLocked arms the next probe. Caller holds c.mu.
func (c *EndpointClient) scheduleRetryLocked() {
	c.state = Reconnect
	if c.bo == nil {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = time.Second
		bo.Multiplier = 2
		bo.MaxInterval = 30 * time.Second
		bo.MaxElapsedTime = 0
		c.bo = bo
	}
	d := c.bo.NextBackOff()
	log.WithFields(log.Fields{"url": c.url, "retry": d}).Debug("endpoint client reconnecting")
	c.retryTimer = time.AfterFunc(d, func() {
		c.mu.Lock()
		if c.state != Reconnect {
			c.mu.Unlock()
			return
		}
		c.state = Connecting
		c.mu.Unlock()
		c.probe()
	})
}

// Call invokes a remote method and returns the decoded result. During
// reconnect it fails fast with a TransportError; a transport failure on
// a live link triggers the reconnect cycle.
func (c *EndpointClient) Call(method string, args ...any) (json.RawMessage, error) {
	c.mu.Lock()
	switch c.state {
	case Destroyed:
		c.mu.Unlock()
		return nil, errutil.Transport("call "+method, errDestroyed)
	case Connected:
	default:
		c.mu.Unlock()
		return nil, errutil.Transport("call "+method, errNotConnected)
	}
	if len(c.methods) > 0 && !c.methods[method] {
		c.mu.Unlock()
		return nil, errutil.Protocolf("method %q was not declared on this client", method)
	}
	full := append(append([]any{}, c.staticParams...), args...)
	c.mu.Unlock()

	reply, err := c.post(&callEnvelope{Method: method, Args: full})
	if err != nil {
		c.mu.Lock()
		if c.state == Connected {
			c.scheduleRetryLocked()
		}
		c.mu.Unlock()
		return nil, errutil.Transport("call "+method, err)
	}
	if reply.Error != "" {
		return nil, errutil.Protocolf("%s: %s", method, reply.Error)
	}
	raw, err := json.Marshal(reply.Result)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *EndpointClient) probeTransport() error {
	body, err := json.Marshal(callEnvelope{Method: "__probe__"})
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// post performs one wire exchange.
func (c *EndpointClient) post(call *callEnvelope) (*replyEnvelope, error) {
	body, err := json.Marshal(call)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var reply replyEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Destroy cancels any in-flight request and terminates the client.
func (c *EndpointClient) Destroy() {
	c.mu.Lock()
	if c.state == Destroyed {
		c.mu.Unlock()
		return
	}
	c.state = Destroyed
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	c.Events.Emit(EventEnd, c)
}
