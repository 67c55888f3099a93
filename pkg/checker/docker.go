package checker

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
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

// ContainerRecord is the last-observed descriptor of one container, used as
// the previous side of transition detection.
type ContainerRecord struct {
	Name               string
	ShortID            string
	Status             string
	Created            string
	StartedAt          time.Time
	RestartCount       int
	Env                []string
	Networks           map[string]*network.EndpointSettings
	Stats              *types.Stats
	UpdateAvailable    *bool
	SrcUpdateAvailable *bool
}

// containerChecks is the check suite owned per monitored container.
type containerChecks struct {
	acc           *check.Accumulator
	disk          map[string]*diskSpaceCheck // keyed by bind-mount source
	ports         map[int]*portOpenCheck
	imageUpdate   *imageUpdateCheck
	srcUpdate     *sourceUpdateCheck
	statusChanged *statusChangedCheck
	wasRestarted  *wasRestartedCheck
	notRunning    *notRunningCheck

	diskThresholds map[string]float64
}

// DockerChecker verifies the containers of the blueprint: status transitions,
// restarts, open ports, disk pressure, image and source updates, plus a
// per-cycle resource snapshot.
type DockerChecker struct {
	blueprint []config.ContainerSpec
	store     *store.Store
	pool      *dockers.Pool
	alarms    alarm.Sender
	window    *notification.Manager
	logger    zerolog.Logger

	stopFlag atomic.Bool

	mu            sync.RWMutex
	status        map[string]*types.TargetStatus
	prevInventory map[string]*ContainerRecord

	targets map[string]*containerChecks
}

// NewDockerChecker builds the check suites for every blueprint entry and
// warm-starts the rolling status from the newest stored record.
func NewDockerChecker(cfg *config.Config, s *store.Store, pool *dockers.Pool,
	alarms alarm.Sender, window *notification.Manager) *DockerChecker {

	c := &DockerChecker{
		blueprint: cfg.Blueprint,
		store:     s,
		pool:      pool,
		alarms:    alarms,
		window:    window,
		logger:    log.WithChecker("docker"),
		status:    make(map[string]*types.TargetStatus),
		targets:   make(map[string]*containerChecks),
	}

	gl := gitlab.NewClient()
	for _, cont := range cfg.Blueprint {
		ref := types.ObjectRef{Kind: types.KindContainer, Name: cont.Name}
		acc := check.NewAccumulator()

		thresholds := make(map[string]float64)
		for _, df := range cont.DiskFree {
			thresholds[df.Mount] = df.Threshold
		}

		suite := &containerChecks{
			acc:            acc,
			disk:           make(map[string]*diskSpaceCheck),
			ports:          make(map[int]*portOpenCheck),
			diskThresholds: thresholds,
		}
		for _, port := range cont.Ports {
			suite.ports[port] = &portOpenCheck{
				Check: check.New(ref, acc, alarms, window),
				port:  port,
			}
		}
		suite.imageUpdate = &imageUpdateCheck{
			Check:        check.New(ref, acc, alarms, window),
			cfg:          cont.ImageUpdate,
			scanInterval: defaultRepoScanInterval,
		}
		suite.srcUpdate = &sourceUpdateCheck{
			Check: check.New(ref, acc, alarms, window),
			cfg:   cont.GitLabUpdate,
			gl:    gl,
		}
		suite.srcUpdate.RepeatInterval = 600 * time.Second
		suite.statusChanged = &statusChangedCheck{Check: check.New(ref, acc, alarms, window)}
		suite.wasRestarted = &wasRestartedCheck{Check: check.New(ref, acc, alarms, window)}
		suite.notRunning = &notRunningCheck{Check: check.New(ref, acc, alarms, window)}

		c.targets[cont.Name] = suite

		c.status[cont.Name] = &types.TargetStatus{
			Status:       types.StatusOK,
			FriendlyName: cont.FriendlyName,
			Desc:         cont.Desc,
			Panel:        cont.Panel,
			Src:          cont.Src,
		}
	}

	c.warmStart()
	return c
}

// warmStart seeds status and stats from the newest stored record so a process
// restart does not look like a fleet-wide transition.
func (c *DockerChecker) warmStart() {
	last, err := c.store.LatestStatus(store.CollectionContainerStatus)
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
			current.Stats = stored.Stats
		}
	}
}

// Name implements Checker.
func (c *DockerChecker) Name() string { return "docker" }

// RequestStop implements Checker; the cycle stops at the next target.
func (c *DockerChecker) RequestStop() { c.stopFlag.Store(true) }

// Status returns a copy of the rolling per-target status.
func (c *DockerChecker) Status() map[string]*types.TargetStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*types.TargetStatus, len(c.status))
	for name, ts := range c.status {
		out[name] = ts.Clone()
	}
	return out
}

// StatusTimeseries returns the stored records newer than since, oldest-first.
func (c *DockerChecker) StatusTimeseries(since time.Time) ([]*types.StatusRecord, error) {
	if since.IsZero() {
		since = time.Now().UTC().Add(-24 * time.Hour)
	}
	return c.store.StatusSince(store.CollectionContainerStatus, since, true)
}

// StoreStatus appends the current status map to the time-series store.
func (c *DockerChecker) StoreStatus() {
	rec := &types.StatusRecord{
		Timestamp: time.Now().UTC(),
		Status:    c.Status(),
	}
	if err := c.store.AppendStatus(store.CollectionContainerStatus, rec); err != nil {
		c.logger.Error().Err(err).Msg("failed to store status record")
	}
}

// Check runs one verification cycle over all configured containers.
func (c *DockerChecker) Check(ctx context.Context) {
	c.logger.Debug().Msg("starting verification procedure")

	inventory := make(map[string]*ContainerRecord)

	for _, cont := range c.blueprint {
		if c.stopFlag.Load() {
			return
		}
		c.checkContainer(ctx, cont, inventory)
	}

	c.mu.Lock()
	c.prevInventory = inventory
	c.mu.Unlock()
}

func (c *DockerChecker) checkContainer(ctx context.Context, cont config.ContainerSpec,
	inventory map[string]*ContainerRecord) {

	name := cont.Name
	c.logger.Debug().Str("target", name).Msg("checking container")

	suite := c.targets[name]

	cli, err := clientFor(c.pool, cont.Docker)
	if err != nil {
		c.logger.Error().Err(err).Str("target", name).Msg("bad container host reference")
		return
	}
	if cli == nil {
		c.logger.Warn().Str("target", name).Msg("container host not yet available")
		return
	}

	ins, err := cli.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			c.logger.Error().Str("target", name).Msg("container not found")
		} else {
			c.logger.Error().Err(err).Str("target", name).Msg("error retrieving container")
		}
		return
	}

	startedAt, _ := time.Parse(time.RFC3339Nano, ins.State.StartedAt)

	suite.acc.Reset()

	c.mu.RLock()
	prev := c.prevInventory[name]
	c.mu.RUnlock()

	updateAvailable := suite.imageUpdate.run(ctx, cli, ins.Image)
	countCheck(c.Name(), suite.imageUpdate.LastStatus())

	srcUpdateAvailable := suite.srcUpdate.run(ctx)
	countCheck(c.Name(), suite.srcUpdate.LastStatus())

	stats := c.computeStats(ctx, cli, suite, name, &ins, startedAt)

	rec := &ContainerRecord{
		Name:               name,
		ShortID:            shortID(ins.ID),
		Status:             ins.State.Status,
		Created:            ins.Created,
		StartedAt:          startedAt,
		RestartCount:       ins.RestartCount,
		Env:                ins.Config.Env,
		Networks:           ins.NetworkSettings.Networks,
		Stats:              stats,
		UpdateAvailable:    updateAvailable,
		SrcUpdateAvailable: srcUpdateAvailable,
	}
	inventory[name] = rec

	suite.notRunning.run(ins.State.Status)
	countCheck(c.Name(), suite.notRunning.LastStatus())

	suite.statusChanged.run(ins.State.Status, prev)
	countCheck(c.Name(), suite.statusChanged.LastStatus())

	suite.wasRestarted.run(startedAt, prev)
	countCheck(c.Name(), suite.wasRestarted.LastStatus())

	for _, port := range sortedPorts(suite.ports) {
		suite.ports[port].run(ctx, cli)
		countCheck(c.Name(), suite.ports[port].LastStatus())
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

	ref := types.ObjectRef{Kind: types.KindContainer, Name: name}
	foldCycle(c.Name(), ref, suite.acc.IsOK(), ts, c.alarms, c.window, c.logger)

	ts.Stats = stats
	if updateAvailable != nil {
		ts.UpdateAvailable = updateAvailable
	} else if ts.UpdateAvailable == nil {
		v := false
		ts.UpdateAvailable = &v
	}
	if srcUpdateAvailable != nil {
		ts.SrcUpdateAvailable = srcUpdateAvailable
	}
}

// computeStats gathers the per-cycle resource snapshot: container stats from
// the engine plus a df probe for the root filesystem and every distinct
// bind-mount source.
func (c *DockerChecker) computeStats(ctx context.Context, cli *client.Client,
	suite *containerChecks, name string, ins *dockertypes.ContainerJSON, startedAt time.Time) *types.Stats {

	stats := &types.Stats{}

	sources := []string{"/"}
	for _, m := range ins.Mounts {
		if m.Source != "" {
			sources = append(sources, m.Source)
		}
	}

	seen := make(map[string]bool)
	for _, source := range sources {
		dc, ok := suite.disk[source]
		if !ok {
			dc = &diskSpaceCheck{
				Check:            check.New(types.ObjectRef{Kind: types.KindContainer, Name: name}, suite.acc, c.alarms, c.window),
				source:           source,
				thresholds:       suite.diskThresholds,
				defaultThreshold: config.DefaultDiskUsageThreshold(),
			}
			suite.disk[source] = dc
		}
		du := dc.run(ctx, cli)
		countCheck(c.Name(), dc.LastStatus())
		if du != nil && !seen[du.MountPoint] {
			seen[du.MountPoint] = true
			stats.DiskUsage = append(stats.DiskUsage, *du)
		}
	}

	uptime := time.Now().UTC().Sub(startedAt).Seconds()
	stats.UptimeSeconds = &uptime

	raw, err := cli.ContainerStatsOneShot(ctx, ins.ID)
	if err != nil {
		c.logger.Error().Err(err).Str("target", name).Msg("failed to read container stats")
		return stats
	}
	defer raw.Body.Close()

	var st container.StatsResponse
	if err := json.NewDecoder(raw.Body).Decode(&st); err != nil {
		c.logger.Error().Err(err).Str("target", name).Msg("failed to decode container stats")
		return stats
	}

	cpuDelta := float64(st.CPUStats.CPUUsage.TotalUsage) - float64(st.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(st.CPUStats.SystemUsage) - float64(st.PreCPUStats.SystemUsage)
	onlineCPUs := float64(st.CPUStats.OnlineCPUs)
	if onlineCPUs == 0 {
		onlineCPUs = float64(len(st.CPUStats.CPUUsage.PercpuUsage))
	}
	if systemDelta > 0 {
		cpu := cpuDelta / systemDelta * onlineCPUs * 100.0
		stats.CPUUsagePercent = &cpu
	}

	usedMemory := float64(st.MemoryStats.Usage) - float64(st.MemoryStats.Stats["cache"])
	stats.MemoryUsageBytes = &usedMemory
	limit := float64(st.MemoryStats.Limit)
	stats.MemoryAvailableBytes = &limit
	if limit > 0 {
		pct := 100.0 * usedMemory / limit
		stats.MemoryUsagePercent = &pct
	}

	pids := float64(st.PidsStats.Current)
	stats.PIDs = &pids

	if len(st.Networks) > 0 {
		names := make([]string, 0, len(st.Networks))
		for n := range st.Networks {
			names = append(names, n)
		}
		sort.Strings(names)
		first := st.Networks[names[0]]
		rx := float64(first.RxBytes)
		tx := float64(first.TxBytes)
		stats.NetworkReceivedBytes = &rx
		stats.NetworkSentBytes = &tx
	}

	var read, written float64
	for _, entry := range st.BlkioStats.IoServiceBytesRecursive {
		switch strings.ToLower(entry.Op) {
		case "read":
			read += float64(entry.Value)
		case "write":
			written += float64(entry.Value)
		}
	}
	stats.BlkioReadBytes = &read
	stats.BlkioWrittenBytes = &written

	return stats
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func sortedPorts(ports map[int]*portOpenCheck) []int {
	out := make([]int, 0, len(ports))
	for p := range ports {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

var _ Checker = (*DockerChecker)(nil)
