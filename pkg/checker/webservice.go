package checker

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/outpostd/outpost/pkg/alarm"
	"github.com/outpostd/outpost/pkg/check"
	"github.com/outpostd/outpost/pkg/config"
	"github.com/outpostd/outpost/pkg/dockers"
	"github.com/outpostd/outpost/pkg/gitlab"
	"github.com/outpostd/outpost/pkg/log"
	"github.com/outpostd/outpost/pkg/notification"
	"github.com/outpostd/outpost/pkg/store"
	"github.com/outpostd/outpost/pkg/types"
)

// serviceChecks is the check suite owned per monitored web service.
type serviceChecks struct {
	acc         *check.Accumulator
	zabbix      *zabbixStatsCheck
	zabbixPorts map[string]*zabbixPortCheck
	zabbixDisks map[string]*zabbixDiskCheck
	ports       map[int]*servicePortCheck
	endpoints   map[string]*endpointCheck
	sslExpiry   map[string]*sslExpiryCheck
	srcUpdate   *sourceUpdateCheck
}

// WebServiceChecker verifies generic web services: TCP ports, HTTP(S)
// endpoints, certificate expiry and host-agent statistics.
type WebServiceChecker struct {
	services []config.ServiceSpec
	store    *store.Store
	pool     *dockers.Pool
	alarms   alarm.Sender
	window   *notification.Manager
	logger   zerolog.Logger

	stopFlag atomic.Bool

	mu     sync.RWMutex
	status map[string]*types.TargetStatus

	targets map[string]*serviceChecks
}

// NewWebServiceChecker builds the check suites for every configured service
// and warm-starts the rolling status from the newest stored record.
func NewWebServiceChecker(cfg *config.Config, s *store.Store, pool *dockers.Pool,
	alarms alarm.Sender, window *notification.Manager) *WebServiceChecker {

	c := &WebServiceChecker{
		services: cfg.Services,
		store:    s,
		pool:     pool,
		alarms:   alarms,
		window:   window,
		logger:   log.WithChecker("webservice"),
		status:   make(map[string]*types.TargetStatus),
		targets:  make(map[string]*serviceChecks),
	}

	warnDays := config.ExpiringCertificateWarnDays()
	gl := gitlab.NewClient()

	for _, service := range cfg.Services {
		ref := types.ObjectRef{Kind: types.KindService, Name: service.Name}
		acc := check.NewAccumulator()

		suite := &serviceChecks{
			acc:         acc,
			zabbixPorts: make(map[string]*zabbixPortCheck),
			zabbixDisks: make(map[string]*zabbixDiskCheck),
			ports:       make(map[int]*servicePortCheck),
			endpoints:   make(map[string]*endpointCheck),
			sslExpiry:   make(map[string]*sslExpiryCheck),
		}

		suite.srcUpdate = &sourceUpdateCheck{
			Check: check.New(ref, acc, alarms, window),
			cfg:   service.GitLabUpdate,
			gl:    gl,
		}
		suite.srcUpdate.RepeatInterval = 600 * time.Second

		for _, port := range service.Ports {
			suite.ports[port] = &servicePortCheck{
				Check:    check.New(ref, acc, alarms, window),
				hostname: service.Hostname,
				port:     port,
			}
		}

		if service.Zabbix != nil {
			suite.zabbix = newZabbixStatsCheck(check.New(ref, acc, alarms, window),
				service.Hostname, service.Zabbix)

			defaultThreshold := config.DefaultDiskUsageThreshold()
			thresholds := make(map[string]float64)
			for _, df := range service.Zabbix.DiskFree {
				thresholds[df.Mount] = df.Threshold
			}
			for _, mp := range suite.zabbix.mounts {
				threshold, ok := thresholds[mp]
				if !ok {
					threshold = defaultThreshold
				}
				suite.zabbixDisks[mp] = &zabbixDiskCheck{
					Check:      check.New(ref, acc, alarms, window),
					mountPoint: mp,
					threshold:  threshold,
				}
			}
			for _, port := range suite.zabbix.portArgs {
				suite.zabbixPorts[port] = &zabbixPortCheck{
					Check: check.New(ref, acc, alarms, window),
					port:  port,
				}
			}
		}

		for _, ep := range service.Endpoints {
			suite.endpoints[ep.URL] = newEndpointCheck(check.New(ref, acc, alarms, window), ep)
			suite.sslExpiry[ep.URL] = newSSLExpiryCheck(check.New(ref, acc, alarms, window),
				ep.URL, warnDays)
		}

		c.targets[service.Name] = suite

		c.status[service.Name] = &types.TargetStatus{
			Status:       types.StatusOK,
			FriendlyName: service.FriendlyName,
			Desc:         service.Desc,
			Panel:        service.Panel,
			Src:          service.Src,
		}
	}

	c.warmStart()
	return c
}

func (c *WebServiceChecker) warmStart() {
	last, err := c.store.LatestStatus(store.CollectionServiceStatus)
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
func (c *WebServiceChecker) Name() string { return "webservice" }

// RequestStop implements Checker.
func (c *WebServiceChecker) RequestStop() { c.stopFlag.Store(true) }

// Status returns a copy of the rolling per-target status.
func (c *WebServiceChecker) Status() map[string]*types.TargetStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*types.TargetStatus, len(c.status))
	for name, ts := range c.status {
		out[name] = ts.Clone()
	}
	return out
}

// StatusTimeseries returns the stored records newer than since, oldest-first.
func (c *WebServiceChecker) StatusTimeseries(since time.Time) ([]*types.StatusRecord, error) {
	if since.IsZero() {
		since = time.Now().UTC().Add(-24 * time.Hour)
	}
	return c.store.StatusSince(store.CollectionServiceStatus, since, true)
}

// StoreStatus appends the current status map to the time-series store.
func (c *WebServiceChecker) StoreStatus() {
	rec := &types.StatusRecord{
		Timestamp: time.Now().UTC(),
		Status:    c.Status(),
	}
	if err := c.store.AppendStatus(store.CollectionServiceStatus, rec); err != nil {
		c.logger.Error().Err(err).Msg("failed to store status record")
	}
}

// Check runs one verification cycle over all configured services.
func (c *WebServiceChecker) Check(ctx context.Context) {
	for _, service := range c.services {
		if c.stopFlag.Load() {
			return
		}
		c.checkService(ctx, service)
	}
}

func (c *WebServiceChecker) checkService(ctx context.Context, service config.ServiceSpec) {
	name := service.Name
	c.logger.Debug().Str("target", name).Msg("checking service")

	suite := c.targets[name]
	suite.acc.Reset()

	cli, err := clientFor(c.pool, service.Docker)
	if err != nil {
		c.logger.Error().Err(err).Str("target", name).Msg("bad container host reference")
		return
	}
	if cli == nil {
		c.logger.Warn().Str("target", name).Msg("container host not yet available")
	}

	srcUpdateAvailable := suite.srcUpdate.run(ctx)
	countCheck(c.Name(), suite.srcUpdate.LastStatus())

	var stats *types.Stats
	if suite.zabbix != nil {
		stats = suite.zabbix.run(ctx, suite.zabbixPorts, suite.zabbixDisks)
		countCheck(c.Name(), suite.zabbix.LastStatus())
	}

	for _, port := range sortedServicePorts(suite.ports) {
		suite.ports[port].run(ctx, cli)
		countCheck(c.Name(), suite.ports[port].LastStatus())
	}

	for _, ep := range service.Endpoints {
		suite.endpoints[ep.URL].run(ctx, cli)
		countCheck(c.Name(), suite.endpoints[ep.URL].LastStatus())

		suite.sslExpiry[ep.URL].run(ctx)
		countCheck(c.Name(), suite.sslExpiry[ep.URL].LastStatus())
	}

	if suite.acc.IsOK() {
		c.logger.Debug().Str("target", name).Msg("all OK")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ts, ok := c.status[name]
	if !ok {
		ts = &types.TargetStatus{}
		c.status[name] = ts
	}

	ref := types.ObjectRef{Kind: types.KindService, Name: name}
	foldCycle(c.Name(), ref, suite.acc.IsOK(), ts, c.alarms, c.window, c.logger)

	ts.Stats = stats
	if srcUpdateAvailable != nil {
		ts.SrcUpdateAvailable = srcUpdateAvailable
	}
}

func sortedServicePorts(ports map[int]*servicePortCheck) []int {
	out := make([]int, 0, len(ports))
	for p := range ports {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

var _ Checker = (*WebServiceChecker)(nil)
