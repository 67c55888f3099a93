package checker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/rs/zerolog"

	"github.com/outpostd/outpost/pkg/alarm"
	"github.com/outpostd/outpost/pkg/check"
	"github.com/outpostd/outpost/pkg/config"
	"github.com/outpostd/outpost/pkg/dockers"
	"github.com/outpostd/outpost/pkg/jmx"
	"github.com/outpostd/outpost/pkg/log"
	"github.com/outpostd/outpost/pkg/notification"
	"github.com/outpostd/outpost/pkg/store"
	"github.com/outpostd/outpost/pkg/types"
)

const proxyNameSuffix = "-outpost-jmxproxy"

// JMXRecord is the last-observed descriptor of one managed-bean service.
type JMXRecord struct {
	StartedAt   time.Time
	Stats       *types.Stats
	UserDefined map[string]any
}

// execFunc runs a command inside the proxy container of a service and
// returns stdout. It is the seam tests use to fake the agent.
type execFunc func(ctx context.Context, cmd []string) ([]byte, error)

// jmxQueryCheck invokes the query agent and extracts the metric set.
type jmxQueryCheck struct {
	check.Check
	queries     []jmx.Query
	url         string
	username    string
	password    string
	timeout     time.Duration
	cachedStats map[string]any
	cachedUser  map[string]any
}

func (c *jmxQueryCheck) run(ctx context.Context, exec execFunc) (map[string]any, map[string]any) {
	if !c.ShallRepeat() {
		return c.cachedStats, c.cachedUser
	}
	c.MarkExecuted()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := exec(ctx, jmx.CommandWithURL(c.queries, c.url, c.username, c.password))
	if err != nil {
		log.Logger.Error().Err(err).Str("target", c.Object.Name).Msg("managed-bean query failed")
		c.SetStatus(check.ExecFailure)
		c.cachedStats, c.cachedUser = nil, nil
		return nil, nil
	}

	stats, user, err := jmx.ParseOutput(out, c.queries)
	if err != nil {
		log.Logger.Error().Err(err).Str("target", c.Object.Name).Msg("failed to parse agent output")
		c.SetStatus(check.ExecFailure)
		c.cachedStats, c.cachedUser = nil, nil
		return nil, nil
	}

	c.cachedStats, c.cachedUser = stats, user
	c.SetStatus(check.NonBinary)
	return stats, user
}

// jmxRestartedCheck compares the service start time with the previous
// inventory.
type jmxRestartedCheck struct {
	check.Check
	cached *bool
}

func (c *jmxRestartedCheck) run(startedAt time.Time, prev *JMXRecord) *bool {
	if !c.ShallRepeat() {
		if c.LastStatus() != check.Negative {
			c.Acc.Fail()
		}
		return c.cached
	}
	c.MarkExecuted()

	if prev != nil && !prev.StartedAt.IsZero() && !startedAt.IsZero() &&
		!prev.StartedAt.Equal(startedAt) {
		severity, label := c.Planned()
		c.SetStatus(check.Positive)
		log.Logger.Warn().Str("target", c.Object.Name).Str("planned", label).Msg("service restarted")
		c.SendSmartAlarm(fmt.Sprintf("JMX service %s has been restarted at %s (%s)",
			c.Object.Name, startedAt.Format(time.RFC3339), label), severity)
		c.Acc.Fail()
		v := true
		c.cached = &v
		return c.cached
	}

	c.SetStatus(check.Negative)
	v := false
	c.cached = &v
	return c.cached
}

// jmxChecks is the check suite owned per managed-bean service.
type jmxChecks struct {
	acc       *check.Accumulator
	query     *jmxQueryCheck
	restarted *jmxRestartedCheck
}

// JMXChecker verifies JVM services through the external query agent: metric
// extraction plus restart detection. It maintains one proxy container per
// (host, target) pair and builds the agent image on every host at startup.
type JMXChecker struct {
	services []config.JMXService
	store    *store.Store
	pool     *dockers.Pool
	alarms   alarm.Sender
	window   *notification.Manager
	logger   zerolog.Logger

	// AgentAssetsDir holds the Dockerfile and query jar the agent image is
	// built from.
	AgentAssetsDir string

	stopFlag atomic.Bool

	mu            sync.RWMutex
	status        map[string]*types.TargetStatus
	prevInventory map[string]*JMXRecord

	targets map[string]*jmxChecks
}

// DefaultAgentAssetsDir is where the agent Dockerfile and jar are expected.
const DefaultAgentAssetsDir = "assets/jmx-agent"

// NewJMXChecker builds the check suites and the agent image per host.
func NewJMXChecker(cfg *config.Config, s *store.Store, pool *dockers.Pool,
	alarms alarm.Sender, window *notification.Manager) *JMXChecker {

	c := &JMXChecker{
		services:       cfg.JMX,
		store:          s,
		pool:           pool,
		alarms:         alarms,
		window:         window,
		logger:         log.WithChecker("jmx"),
		AgentAssetsDir: DefaultAgentAssetsDir,
		status:         make(map[string]*types.TargetStatus),
		targets:        make(map[string]*jmxChecks),
	}

	for _, service := range cfg.JMX {
		ref := types.ObjectRef{Kind: types.KindJMX, Name: service.Service}
		acc := check.NewAccumulator()

		timeout := 60 * time.Second
		if service.Timeout > 0 {
			timeout = time.Duration(service.Timeout) * time.Second
		}

		queries := jmx.DefaultQueries()
		for _, mb := range service.MBeans {
			queries = append(queries, jmx.Query{
				MBean:        mb.Name,
				MetricName:   mb.MetricName,
				Attribute:    mb.Attribute,
				AttributeKey: mb.AttributeKey,
				Alias:        mb.Alias,
				Conv:         mb.Conv,
				Kind:         jmx.KindUser,
			})
		}

		agentURL := jmx.AgentURL
		if service.URL.Docker == nil && service.URL.Direct != "" {
			agentURL = service.URL.Direct
		}

		c.targets[service.Service] = &jmxChecks{
			acc: acc,
			query: &jmxQueryCheck{
				Check:    check.New(ref, acc, alarms, window),
				queries:  queries,
				url:      agentURL,
				username: service.Username,
				password: service.Password,
				timeout:  timeout,
			},
			restarted: &jmxRestartedCheck{Check: check.New(ref, acc, alarms, window)},
		}

		c.status[service.Service] = &types.TargetStatus{
			Status: types.StatusOK,
			Desc:   service.Desc,
			Panel:  service.Panel,
			Src:    service.Src,
		}
	}

	c.buildAgentImages(context.Background())
	c.warmStart()
	return c
}

// buildAgentImages builds the query-agent image once on every host that
// serves a configured service. Build failures are logged; the checker keeps
// running and reports exec failures for the affected services.
func (c *JMXChecker) buildAgentImages(ctx context.Context) {
	if len(c.services) == 0 {
		return
	}

	built := make(map[string]bool)
	for _, service := range c.services {
		hostID := service.Docker
		if built[hostID] {
			continue
		}
		built[hostID] = true

		cli, err := clientFor(c.pool, hostID)
		if err != nil || cli == nil {
			c.logger.Warn().Str("docker", hostID).Msg("container host not available for agent image build")
			continue
		}

		c.logger.Debug().Str("docker", hostID).Msg("building query agent image")
		if err := buildImageFromDir(ctx, cli, jmx.AgentImage, c.AgentAssetsDir); err != nil {
			c.logger.Error().Err(err).Str("docker", hostID).Msg("failed to build query agent image")
		}
	}
}

func (c *JMXChecker) warmStart() {
	last, err := c.store.LatestStatus(store.CollectionJMXStatus)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to load last status record")
		return
	}
	if last == nil {
		return
	}
	for name, stored := range last.Status {
		if current, ok := c.status[name]; ok && stored != nil {
			current.Status = stored.Status
		}
	}
}

// Name implements Checker.
func (c *JMXChecker) Name() string { return "jmx" }

// RequestStop implements Checker.
func (c *JMXChecker) RequestStop() { c.stopFlag.Store(true) }

// Status returns a copy of the rolling per-target status.
func (c *JMXChecker) Status() map[string]*types.TargetStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*types.TargetStatus, len(c.status))
	for name, ts := range c.status {
		out[name] = ts.Clone()
	}
	return out
}

// StatusTimeseries returns the stored records newer than since, oldest-first.
func (c *JMXChecker) StatusTimeseries(since time.Time) ([]*types.StatusRecord, error) {
	if since.IsZero() {
		since = time.Now().UTC().Add(-24 * time.Hour)
	}
	return c.store.StatusSince(store.CollectionJMXStatus, since, true)
}

// StoreStatus appends the current status map to the time-series store.
func (c *JMXChecker) StoreStatus() {
	rec := &types.StatusRecord{
		Timestamp: time.Now().UTC(),
		Status:    c.Status(),
	}
	if err := c.store.AppendStatus(store.CollectionJMXStatus, rec); err != nil {
		c.logger.Error().Err(err).Msg("failed to store status record")
	}
}

// Check runs one verification cycle over all configured services.
func (c *JMXChecker) Check(ctx context.Context) {
	inventory := make(map[string]*JMXRecord)

	for _, service := range c.services {
		if c.stopFlag.Load() {
			return
		}
		c.checkService(ctx, service, inventory)
	}

	c.mu.Lock()
	c.prevInventory = inventory
	c.mu.Unlock()
}

func (c *JMXChecker) checkService(ctx context.Context, service config.JMXService,
	inventory map[string]*JMXRecord) {

	name := service.Service
	c.logger.Debug().Str("target", name).Msg("loading managed-bean metrics")

	suite := c.targets[name]
	suite.acc.Reset()

	exec := c.resolveExec(ctx, service)
	if exec == nil {
		// no access path this cycle: skip the service and preserve its
		// previous status
		return
	}

	stats, user := suite.query.run(ctx, exec)
	countCheck(c.Name(), suite.query.LastStatus())

	var startedAt time.Time
	if t, ok := jmx.StartedAt(stats); ok {
		startedAt = t
	}

	c.mu.RLock()
	prev := c.prevInventory[name]
	c.mu.RUnlock()

	if stats != nil {
		suite.restarted.run(startedAt, prev)
		countCheck(c.Name(), suite.restarted.LastStatus())
	}

	typedStats := statsFromJMX(stats)
	inventory[name] = &JMXRecord{
		StartedAt:   startedAt,
		Stats:       typedStats,
		UserDefined: user,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ts, ok := c.status[name]
	if !ok {
		ts = &types.TargetStatus{}
		c.status[name] = ts
	}

	ref := types.ObjectRef{Kind: types.KindJMX, Name: name}
	foldCycle(c.Name(), ref, suite.acc.IsOK(), ts, c.alarms, c.window, c.logger)

	ts.Stats = typedStats
	ts.UserDefined = user
}

// resolveExec picks the agent execution path for a service: an exec in the
// long-lived proxy container, or a throwaway agent container for services
// with a direct URL. A nil return means no access path is available.
func (c *JMXChecker) resolveExec(ctx context.Context, service config.JMXService) execFunc {
	cli, err := clientFor(c.pool, service.Docker)
	if err != nil {
		c.logger.Error().Err(err).Str("target", service.Service).Msg("bad container host reference")
		return nil
	}
	if cli == nil {
		c.logger.Warn().Str("target", service.Service).Msg("container host not yet available")
		return nil
	}

	if service.URL.Docker == nil {
		if service.URL.Direct == "" {
			return nil
		}
		// direct access: the query tool runs in a throwaway agent container
		// pointed at the remote URL
		return func(ctx context.Context, cmd []string) ([]byte, error) {
			out, exit, err := runProbe(ctx, cli, probe{Image: jmx.AgentImage, Cmd: cmd})
			if err != nil {
				return nil, err
			}
			if exit != 0 {
				return nil, fmt.Errorf("agent exited with status %d", exit)
			}
			return []byte(out), nil
		}
	}

	proxyID, err := c.ensureProxy(ctx, cli, service.URL.Docker.Container, service.URL.Docker.Port)
	if err != nil {
		c.logger.Error().Err(err).Str("target", service.Service).Msg("failed to set up proxy container")
		return nil
	}

	return func(ctx context.Context, cmd []string) ([]byte, error) {
		stdout, stderr, exit, err := execInContainer(ctx, cli, proxyID, cmd)
		if err != nil {
			return nil, err
		}
		if exit != 0 {
			return nil, fmt.Errorf("agent exited with status %d: %s", exit, stderr)
		}
		return []byte(stdout), nil
	}
}

// ensureProxy finds or creates the long-lived forwarder container that
// bridges the fixed agent port to the target's managed-bean port.
func (c *JMXChecker) ensureProxy(ctx context.Context, cli *client.Client,
	targetContainer string, port int) (string, error) {

	proxyName := targetContainer + proxyNameSuffix

	ins, err := cli.ContainerInspect(ctx, proxyName)
	if err == nil && ins.State != nil && ins.State.Running {
		return ins.ID, nil
	}
	if err != nil && !errdefs.IsNotFound(err) {
		return "", err
	}

	created, err := cli.ContainerCreate(ctx,
		&container.Config{
			Image: jmx.AgentImage,
			Cmd: []string{"socat",
				fmt.Sprintf("tcp-listen:%d,fork,reuseaddr", jmx.AgentPort),
				fmt.Sprintf("tcp-connect:%s:%d", targetContainer, port)},
		},
		&container.HostConfig{
			AutoRemove:  true,
			NetworkMode: container.NetworkMode("container:" + targetContainer),
		},
		nil, nil, proxyName)
	if err != nil {
		return "", fmt.Errorf("failed to create proxy container: %w", err)
	}
	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start proxy container: %w", err)
	}
	return created.ID, nil
}

// statsFromJMX lifts the agent's stat map into the shared stats record.
func statsFromJMX(stats map[string]any) *types.Stats {
	if stats == nil {
		return nil
	}
	out := &types.Stats{}
	if v, ok := numeric(stats["memory_usage_bytes"]); ok {
		out.MemoryUsageBytes = &v
	}
	if v, ok := numeric(stats["cpu_usage_percent"]); ok {
		out.CPUUsagePercent = &v
	}
	if v, ok := numeric(stats["num_threads"]); ok {
		out.NumThreads = &v
	}
	if v, ok := numeric(stats["num_classes"]); ok {
		out.NumClasses = &v
	}
	if v, ok := numeric(stats["uptime_seconds"]); ok {
		out.UptimeSeconds = &v
	}
	if t, ok := stats["started_at"].(time.Time); ok {
		out.StartedAt = &t
	}
	return out
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

var _ Checker = (*JMXChecker)(nil)
