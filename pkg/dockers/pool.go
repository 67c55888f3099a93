package dockers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/docker/cli/cli/connhelper"
	"github.com/docker/docker/client"

	"github.com/outpostd/outpost/pkg/config"
	"github.com/outpostd/outpost/pkg/log"
	"github.com/outpostd/outpost/pkg/metrics"
)

// DefaultID is the pseudo-id under which the default container host is
// always reachable. It may not be used as a configured host id.
const DefaultID = "~DEFAULT~"

const connectTimeout = 10 * time.Second

// entry is one pool slot. A nil cli means the connection is still deferred:
// the host was unreachable so far and will be retried on the next access.
type entry struct {
	id  string
	url string
	cli *client.Client
}

// Pool is a lazy, id-keyed registry of container-host clients. Get is safe
// under concurrent access from all checker workers; a deferred entry is
// re-connected at most by one caller at a time and an established client is
// never overwritten.
type Pool struct {
	mu        sync.Mutex
	entries   map[string]*entry
	defaultID string
}

// NewPool connects to every configured host. Hosts that cannot be reached at
// startup stay in the pool as deferred entries. With no host flagged default
// the first one is used; with an empty list an ambient-environment default is
// synthesized.
func NewPool(conns []config.DockerConn) (*Pool, error) {
	p := &Pool{entries: make(map[string]*entry)}

	for _, conn := range conns {
		if conn.ID == DefaultID {
			return nil, fmt.Errorf("cannot use id %s - reserved for default", DefaultID)
		}
		if _, exists := p.entries[conn.ID]; exists {
			return nil, fmt.Errorf("duplicate container host id %s", conn.ID)
		}

		e := &entry{id: conn.ID, url: conn.URL}
		if cli, err := connectFn(conn.ID, conn.URL); err != nil {
			log.Logger.Error().Err(err).Str("docker", conn.ID).Msg("failed to connect to container host")
		} else {
			e.cli = cli
		}
		p.entries[conn.ID] = e

		if conn.Default {
			if p.defaultID != "" {
				return nil, fmt.Errorf("cannot have more than one default container host")
			}
			p.defaultID = conn.ID
		}
	}

	if p.defaultID == "" {
		if len(conns) > 0 {
			p.defaultID = conns[0].ID
			log.Logger.Warn().Str("docker", p.defaultID).Msg("no default container host defined: using first entry")
		} else {
			log.Warn("no container hosts configured: using ambient environment default")
			e := &entry{id: DefaultID}
			if cli, err := connectFn(DefaultID, ""); err != nil {
				log.Logger.Error().Err(err).Msg("failed to connect to default container host")
			} else {
				e.cli = cli
			}
			p.entries[DefaultID] = e
			p.defaultID = DefaultID
		}
	}

	p.updateGauges()
	return p, nil
}

// connectFn is swapped by tests.
var connectFn = connect

// connect establishes and verifies one client. An empty url uses the ambient
// environment; ssh:// urls go through the SSH connection helper.
func connect(id, url string) (*client.Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}

	switch {
	case url == "":
		opts = append(opts, client.FromEnv)
	case strings.HasPrefix(url, "ssh:"):
		helper, err := connhelper.GetConnectionHelper(url)
		if err != nil {
			return nil, fmt.Errorf("failed to set up ssh connection to %s: %w", id, err)
		}
		opts = append(opts,
			client.WithHTTPClient(&http.Client{
				Transport: &http.Transport{DialContext: helper.Dialer},
			}),
			client.WithHost(helper.Host),
			client.WithDialContext(helper.Dialer),
		)
	default:
		opts = append(opts, client.WithHost(url))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", id, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	info, err := cli.Info(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to connect to container host %s: %w", id, err)
	}

	log.Logger.Info().Str("docker", id).Str("engine", info.Name).
		Str("version", info.ServerVersion).Msg("connected to container host")
	return cli, nil
}

// Has reports whether id names a pool entry (connected or deferred).
func (p *Pool) Has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id == DefaultID {
		return true
	}
	_, ok := p.entries[id]
	return ok
}

// Get returns the client for id, driving a deferred entry through a connect
// attempt first. It returns nil while the host stays unreachable.
func (p *Pool) Get(id string) *client.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id == DefaultID {
		id = p.defaultID
	}
	e, ok := p.entries[id]
	if !ok {
		return nil
	}
	if e.cli == nil {
		cli, err := connectFn(e.id, e.url)
		if err != nil {
			log.Logger.Error().Err(err).Str("docker", e.id).Msg("container host still unreachable")
			return nil
		}
		e.cli = cli
		p.updateGauges()
	}
	return e.cli
}

// Default returns the client of the default host, or nil while unreachable.
func (p *Pool) Default() *client.Client {
	return p.Get(DefaultID)
}

// IDs lists all configured host ids plus the synthetic default id.
func (p *Pool) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.entries)+1)
	for id := range p.entries {
		if id != DefaultID {
			ids = append(ids, id)
		}
	}
	ids = append(ids, DefaultID)
	return ids
}

// Close closes every established client.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.cli != nil {
			e.cli.Close()
		}
	}
}

// updateGauges refreshes the pool metrics; callers hold the mutex.
func (p *Pool) updateGauges() {
	connected, deferred := 0, 0
	for _, e := range p.entries {
		if e.cli != nil {
			connected++
		} else {
			deferred++
		}
	}
	metrics.DockerHostsConnected.Set(float64(connected))
	metrics.DockerHostsDeferred.Set(float64(deferred))
}
