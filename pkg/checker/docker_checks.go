package checker

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/outpostd/outpost/pkg/check"
	"github.com/outpostd/outpost/pkg/config"
	"github.com/outpostd/outpost/pkg/gitlab"
	"github.com/outpostd/outpost/pkg/log"
	"github.com/outpostd/outpost/pkg/registry"
	"github.com/outpostd/outpost/pkg/types"
)

const (
	probeImageBusybox = "busybox:latest"
	portProbeTimeout  = 10 // seconds, nc -w argument
)

// diskSpaceCheck measures the usage of one bind-mount source through a df
// probe container. One instance exists per distinct source path so that each
// mount keeps its own schedule and status.
type diskSpaceCheck struct {
	check.Check
	source           string
	thresholds       map[string]float64
	defaultThreshold float64
	cached           *types.DiskUsage
}

func (c *diskSpaceCheck) run(ctx context.Context, cli *client.Client) *types.DiskUsage {
	if !c.ShallRepeat() {
		if c.LastStatus() != check.Positive {
			c.Acc.Fail()
		}
		return c.cached
	}
	c.MarkExecuted()

	if cli == nil {
		c.SetStatus(check.ExecFailure)
		c.Acc.Fail()
		c.cached = nil
		return nil
	}

	out, exit, err := runProbe(ctx, cli, probe{
		Image: probeImageBusybox,
		Cmd:   []string{"df", "-P", "/dir_to_check"},
		Binds: []string{c.source + ":/dir_to_check:ro"},
	})
	if err != nil || exit != 0 {
		log.Logger.Error().Err(err).Int("exit", exit).Str("source", c.source).
			Msg("failed to retrieve disk space")
		c.SetStatus(check.ExecFailure)
		c.Acc.Fail()
		c.cached = nil
		return nil
	}

	usage, err := parseDF(out)
	if err != nil {
		log.Logger.Error().Err(err).Str("source", c.source).Msg("failed to parse df output")
		c.SetStatus(check.ExecFailure)
		c.Acc.Fail()
		c.cached = nil
		return nil
	}
	c.cached = usage

	if usage.UsagePercentage != nil && c.tooHigh(usage.MountPoint, *usage.UsagePercentage) {
		log.Logger.Warn().Str("target", c.Object.Name).Str("mount", usage.MountPoint).
			Float64("usage", *usage.UsagePercentage).Msg("disk usage is too high")
		c.SetStatus(check.Negative)
		c.SendSmartAlarm(fmt.Sprintf("container %s disk %s usage is too high (%.2f%%)",
			c.Object.Name, usage.MountPoint, *usage.UsagePercentage), types.SeverityAlarm)
		c.Acc.Fail()
	} else {
		c.SetStatus(check.Positive)
	}
	return c.cached
}

func (c *diskSpaceCheck) tooHigh(mountPoint string, usage float64) bool {
	threshold, ok := c.thresholds[mountPoint]
	if !ok {
		threshold = c.defaultThreshold
	}
	return usage > threshold
}

// parseDF reads the second line of POSIX df output. A zero-size filesystem
// yields a nil usage percentage.
func parseDF(out string) (*types.DiskUsage, error) {
	lines := strings.Split(out, "\n")
	if len(lines) < 2 {
		return nil, fmt.Errorf("unexpected df output: %q", out)
	}
	fields := strings.Fields(lines[1])
	if len(fields) < 3 {
		return nil, fmt.Errorf("unexpected df output line: %q", lines[1])
	}
	total, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad df total: %w", err)
	}
	used, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad df used: %w", err)
	}

	usage := &types.DiskUsage{
		MountPoint: fields[0],
		TotalBytes: total * 1024,
		UsedBytes:  used * 1024,
	}
	if usage.TotalBytes > 0 {
		pct := 100.0 * float64(usage.UsedBytes) / float64(usage.TotalBytes)
		usage.UsagePercentage = &pct
	}
	return usage, nil
}

// portOpenCheck probes a TCP port from inside the target's network namespace.
type portOpenCheck struct {
	check.Check
	port   int
	cached *bool
}

func (c *portOpenCheck) run(ctx context.Context, cli *client.Client) *bool {
	if !c.ShallRepeat() {
		if c.LastStatus() != check.Positive {
			c.Acc.Fail()
		}
		return c.cached
	}
	c.MarkExecuted()

	name := c.Object.Name
	_, exit, err := runProbe(ctx, cli, probe{
		Image:       probeImageBusybox,
		Cmd:         []string{"nc", "-zw" + strconv.Itoa(portProbeTimeout), name, strconv.Itoa(c.port)},
		NetworkMode: "container:" + name,
	})
	if err != nil {
		log.Logger.Error().Err(err).Str("target", name).Int("port", c.port).
			Msg("failed to check open port")
		c.SetStatus(check.ExecFailure)
		c.Acc.Fail()
		c.cached = nil
		return nil
	}

	switch exit {
	case 0:
		log.Logger.Debug().Str("target", name).Int("port", c.port).Msg("port is open")
		c.SetStatus(check.Positive)
		v := true
		c.cached = &v
		return c.cached
	case 1:
		c.SetStatus(check.Negative)
		severity, label := c.Planned()
		log.Logger.Warn().Str("target", name).Int("port", c.port).Str("planned", label).
			Msg("port is down")
		c.SendSmartAlarm(fmt.Sprintf("container %s is not responding on port %d (%s)",
			name, c.port, label), severity)
		c.Acc.Fail()
		v := false
		c.cached = &v
		return c.cached
	default:
		log.Logger.Error().Int("exit", exit).Str("target", name).Msg("unexpected port probe exit status")
		c.SetStatus(check.ExecFailure)
		c.Acc.Fail()
		c.cached = nil
		return nil
	}
}

// imageUpdateCheck looks for a newer image in the source registry, at most
// once per scan interval.
type imageUpdateCheck struct {
	check.Check
	cfg          *config.ImageUpdateCheck
	scanInterval time.Duration
	lastScan     time.Time
	cached       *bool
}

const defaultRepoScanInterval = 10 * time.Minute

func (c *imageUpdateCheck) run(ctx context.Context, cli *client.Client, imageID string) *bool {
	if !c.ShallRepeat() {
		return c.cached
	}
	c.MarkExecuted()

	now := time.Now().UTC()
	if !c.lastScan.IsZero() && now.Sub(c.lastScan) < c.scanInterval {
		// between scans, answer from the last verdict
		switch c.LastStatus() {
		case check.Positive:
			v := true
			c.cached = &v
		case check.Negative:
			v := false
			c.cached = &v
		default:
			c.cached = nil
		}
		return c.cached
	}
	c.lastScan = now

	ins, _, err := cli.ImageInspectWithRaw(ctx, imageID)
	if err != nil {
		log.Logger.Error().Err(err).Str("image", imageID).Msg("failed to inspect image")
		c.SetStatus(check.ExecFailure)
		c.cached = nil
		return nil
	}

	if len(ins.RepoDigests) == 0 {
		c.SetStatus(check.Negative)
		v := false
		c.cached = &v
		return c.cached
	}

	imageCreated, _ := time.Parse(time.RFC3339Nano, ins.Created)

	var username, password string
	if c.cfg != nil && c.cfg.Username != "" && c.cfg.Password != "" {
		username, password = c.cfg.Username, c.cfg.Password
	}
	var tagPattern string
	if c.cfg != nil {
		tagPattern = c.cfg.ImageTagPattern
	}

	for i, tag := range ins.RepoTags {
		if i >= len(ins.RepoDigests) {
			break
		}
		sourceRepo, localDigest, found := strings.Cut(ins.RepoDigests[i], "@")
		if !found {
			continue
		}

		if tagPattern == "" {
			remoteDigest, err := registry.DigestFor(ctx, tag, username, password)
			if err != nil {
				if registry.IsRateLimit(err) {
					// a throttled scan is not a verdict: keep the previous
					// status until the registry talks to us again
					log.Warn("too many requests to image registry, " +
						"see https://www.docker.com/increase-rate-limits/")
					c.cached = nil
					return nil
				}
				log.Logger.Error().Err(err).Str("image", tag).
					Msg("failed to retrieve registry data for image")
				c.SetStatus(check.ExecFailure)
				c.cached = nil
				return nil
			}
			if remoteDigest != localDigest {
				log.Logger.Debug().Str("image", tag).Msg("update available for image")
				c.SetStatus(check.Positive)
				v := true
				c.cached = &v
				return c.cached
			}
			continue
		}

		// a tag pattern asks for "any newer image whose tag matches" instead
		// of a digest comparison
		newer, err := c.newerImageMatching(ctx, cli, sourceRepo, tagPattern, imageCreated)
		if err != nil {
			log.Logger.Error().Err(err).Str("repo", sourceRepo).Msg("failed to list source repo images")
			c.SetStatus(check.ExecFailure)
			c.cached = nil
			return nil
		}
		if newer {
			c.SetStatus(check.Positive)
			v := true
			c.cached = &v
			return c.cached
		}
	}

	c.SetStatus(check.Negative)
	v := false
	c.cached = &v
	return c.cached
}

func (c *imageUpdateCheck) newerImageMatching(ctx context.Context, cli *client.Client,
	sourceRepo, tagPattern string, currentCreated time.Time) (bool, error) {

	pattern, err := regexp.Compile(tagPattern)
	if err != nil {
		return false, fmt.Errorf("bad image-tag-pattern: %w", err)
	}

	images, err := cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", sourceRepo)),
	})
	if err != nil {
		return false, err
	}

	for _, img := range images {
		matched := false
		for _, repoTag := range img.RepoTags {
			_, tag, found := strings.Cut(repoTag, ":")
			if found && pattern.MatchString(tag) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		if time.Unix(img.Created, 0).After(currentCreated) {
			return true, nil
		}
	}
	return false, nil
}

// sourceUpdateCheck compares the dev and deploy branches on a source host.
// Without configuration the check reports not-supported and never counts
// against health.
type sourceUpdateCheck struct {
	check.Check
	cfg    *config.GitLabUpdateCheck
	gl     *gitlab.Client
	cached *bool
}

func (c *sourceUpdateCheck) run(ctx context.Context) *bool {
	if !c.ShallRepeat() {
		return c.cached
	}
	c.MarkExecuted()

	if c.cfg == nil {
		c.SetStatus(check.NotSupported)
		c.cached = nil
		return nil
	}

	hasDiff := c.gl.HasDiffBetweenBranches(ctx, c.cfg.URL, c.cfg.Token, c.cfg.ProjectID,
		c.cfg.DevBranch, c.cfg.DeployBranch)
	if hasDiff == nil {
		c.SetStatus(check.ExecFailure)
		c.cached = nil
		return nil
	}

	if *hasDiff {
		c.SetStatus(check.Positive)
	} else {
		c.SetStatus(check.Negative)
	}
	c.cached = hasDiff
	return c.cached
}

// statusChangedCheck compares the raw container status with the previous
// inventory. Any difference is positive; only a change away from running is
// alarmed.
type statusChangedCheck struct {
	check.Check
	cached *bool
}

func (c *statusChangedCheck) run(curStatus string, prev *ContainerRecord) *bool {
	if !c.ShallRepeat() {
		if c.LastStatus() != check.Negative {
			c.Acc.Fail()
		}
		return c.cached
	}
	c.MarkExecuted()

	if prev != nil && prev.Status != curStatus {
		c.SetStatus(check.Positive)
		severity, label := c.Planned()
		log.Logger.Warn().Str("target", c.Object.Name).Str("from", prev.Status).
			Str("to", curStatus).Str("planned", label).Msg("container status changed")
		if curStatus != "running" {
			c.SendSmartAlarm(fmt.Sprintf("container %s status changed from %s to %s (%s)",
				c.Object.Name, prev.Status, curStatus, label), severity)
			c.Acc.Fail()
		}
		v := true
		c.cached = &v
		return c.cached
	}

	c.SetStatus(check.Negative)
	v := false
	c.cached = &v
	return c.cached
}

// wasRestartedCheck compares the container start time with the previous
// inventory.
type wasRestartedCheck struct {
	check.Check
	cached *bool
}

func (c *wasRestartedCheck) run(startedAt time.Time, prev *ContainerRecord) *bool {
	if !c.ShallRepeat() {
		if c.LastStatus() != check.Negative {
			c.Acc.Fail()
		}
		return c.cached
	}
	c.MarkExecuted()

	if prev != nil && prev.Status == "running" && !prev.StartedAt.IsZero() &&
		!prev.StartedAt.Equal(startedAt) {
		severity, label := c.Planned()
		c.SetStatus(check.Positive)
		log.Logger.Warn().Str("target", c.Object.Name).Str("planned", label).Msg("container restarted")
		c.SendSmartAlarm(fmt.Sprintf("container %s has been restarted at %s (%s)",
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

// notRunningCheck alarms whenever the raw status is anything but running.
type notRunningCheck struct {
	check.Check
	cached *bool
}

func (c *notRunningCheck) run(curStatus string) *bool {
	if !c.ShallRepeat() {
		if c.LastStatus() != check.Negative {
			c.Acc.Fail()
		}
		return c.cached
	}
	c.MarkExecuted()

	if curStatus != "running" {
		c.SetStatus(check.Positive)
		severity, label := c.Planned()
		log.Logger.Warn().Str("target", c.Object.Name).Str("status", curStatus).
			Str("planned", label).Msg("container is not running")
		c.SendSmartAlarm(fmt.Sprintf("container %s status is not RUNNING (%s) (%s)",
			c.Object.Name, curStatus, label), severity)
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
