package checker

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/client"

	"github.com/outpostd/outpost/pkg/check"
	"github.com/outpostd/outpost/pkg/config"
	"github.com/outpostd/outpost/pkg/log"
	"github.com/outpostd/outpost/pkg/types"
	"github.com/outpostd/outpost/pkg/zabbix"
)

const (
	probeImageCurl = "curlimages/curl"

	// endpointTimeout bounds the direct HTTP endpoint check.
	endpointTimeout = 120 * time.Second

	// sslRepeatInterval: certificate expiry moves slowly, once per hour is
	// enough.
	sslRepeatInterval = 3600 * time.Second
)

var defaultExpectedCodes = []int{200, 201, 204}

// servicePortCheck probes a TCP port of a remote host through a netcat probe
// container (no shared network namespace).
type servicePortCheck struct {
	check.Check
	hostname string
	port     int
	cached   *bool
}

func (c *servicePortCheck) run(ctx context.Context, cli *client.Client) *bool {
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

	_, exit, err := runProbe(ctx, cli, probe{
		Image: probeImageBusybox,
		Cmd:   []string{"nc", "-zw" + strconv.Itoa(portProbeTimeout), c.hostname, strconv.Itoa(c.port)},
	})
	if err != nil {
		log.Logger.Error().Err(err).Str("target", c.Object.Name).Int("port", c.port).
			Msg("failed to run port checking container")
		c.SetStatus(check.ExecFailure)
		c.Acc.Fail()
		c.cached = nil
		return nil
	}

	if exit == 0 {
		log.Logger.Debug().Str("host", c.hostname).Int("port", c.port).Msg("port is open")
		c.SetStatus(check.Positive)
		v := true
		c.cached = &v
		return c.cached
	}

	c.SetStatus(check.Negative)
	severity, label := c.Planned()
	log.Logger.Warn().Str("target", c.Object.Name).Int("port", c.port).Str("planned", label).
		Msg("service port is down")
	c.SendSmartAlarm(fmt.Sprintf("server %s is not responding on port %d (%s)",
		c.Object.Name, c.port, label), severity)
	c.Acc.Fail()
	v := false
	c.cached = &v
	return c.cached
}

// endpointCheck verifies an HTTP(S) endpoint, either with the native client
// or through a curl probe container.
type endpointCheck struct {
	check.Check
	endpoint config.Endpoint
	expected []int
	direct   bool
	client   *http.Client
	cached   *bool
}

func newEndpointCheck(base check.Check, ep config.Endpoint) *endpointCheck {
	expected := ep.ExpCode
	if len(expected) == 0 {
		expected = defaultExpectedCodes
	}
	return &endpointCheck{
		Check:    base,
		endpoint: ep,
		expected: expected,
		direct:   ep.Type == "direct",
		client:   &http.Client{Timeout: endpointTimeout},
	}
}

func (c *endpointCheck) run(ctx context.Context, cli *client.Client) *bool {
	if !c.ShallRepeat() {
		if c.LastStatus() != check.Positive {
			c.Acc.Fail()
		}
		return c.cached
	}
	c.MarkExecuted()

	if c.direct {
		return c.runDirect(ctx)
	}
	return c.runContainerized(ctx, cli)
}

func (c *endpointCheck) expectedCode(code int) bool {
	for _, e := range c.expected {
		if code == e {
			return true
		}
	}
	return false
}

func (c *endpointCheck) method() string {
	if c.endpoint.Method != "" {
		return c.endpoint.Method
	}
	return http.MethodGet
}

func (c *endpointCheck) runDirect(ctx context.Context) *bool {
	var body *strings.Reader
	if c.endpoint.Data != "" {
		body = strings.NewReader(c.endpoint.Data)
	} else {
		body = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx, c.method(), c.endpoint.URL, body)
	if err != nil {
		log.Logger.Error().Err(err).Str("url", c.endpoint.URL).Msg("failed to build endpoint request")
		return c.negative()
	}
	for name, value := range c.endpoint.ExtraHeaders {
		req.Header.Set(name, value)
	}
	if c.endpoint.Auth != nil && c.endpoint.Auth.Basic != nil {
		req.SetBasicAuth(c.endpoint.Auth.Basic.Username, c.endpoint.Auth.Basic.Password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		log.Logger.Error().Err(err).Str("url", c.endpoint.URL).Msg("endpoint request failed")
		return c.negative()
	}
	defer resp.Body.Close()

	if c.expectedCode(resp.StatusCode) {
		log.Logger.Debug().Str("url", c.endpoint.URL).Msg("endpoint is ok")
		c.SetStatus(check.Positive)
		v := true
		c.cached = &v
		return c.cached
	}
	log.Logger.Debug().Str("url", c.endpoint.URL).Int("code", resp.StatusCode).
		Msg("endpoint responded with unexpected HTTP code")
	return c.negative()
}

// httpCodePattern matches the verbose curl response-status lines. Redirect
// chains print one line per hop; the last one is the final answer.
var httpCodePattern = regexp.MustCompile(`^< HTTP/[0-9.]+\s+(\d+)`)

// lastHTTPCode scans verbose curl output for response-status lines and
// returns the last code seen, or 0 when none is found.
func lastHTTPCode(out string) int {
	code := 0
	for _, line := range strings.Split(out, "\n") {
		if m := httpCodePattern.FindStringSubmatch(strings.TrimRight(line, "\r")); m != nil {
			code, _ = strconv.Atoi(m[1])
		}
	}
	return code
}

func (c *endpointCheck) runContainerized(ctx context.Context, cli *client.Client) *bool {
	if cli == nil {
		c.SetStatus(check.ExecFailure)
		c.Acc.Fail()
		c.cached = nil
		return nil
	}

	cmd := []string{"-v", "-s", "-L", "-X", c.method()}
	for name, value := range c.endpoint.ExtraHeaders {
		cmd = append(cmd, "-H", fmt.Sprintf("%s: %s", name, value))
	}
	if c.endpoint.Data != "" {
		cmd = append(cmd, "-d", c.endpoint.Data)
	}
	if c.endpoint.Auth != nil && c.endpoint.Auth.Basic != nil {
		cmd = append(cmd, "-u", c.endpoint.Auth.Basic.Username+":"+c.endpoint.Auth.Basic.Password)
	}
	if c.endpoint.ExtraCurlParams != "" {
		cmd = append(cmd, strings.Fields(c.endpoint.ExtraCurlParams)...)
	}
	cmd = append(cmd, c.endpoint.URL)

	out, exit, err := runProbe(ctx, cli, probe{Image: probeImageCurl, Cmd: cmd})
	if err != nil {
		log.Logger.Error().Err(err).Str("url", c.endpoint.URL).Msg("error when running curl in container")
		c.SetStatus(check.ExecFailure)
		c.Acc.Fail()
		c.cached = nil
		return nil
	}
	if exit != 0 {
		log.Logger.Error().Int("exit", exit).Str("url", c.endpoint.URL).Msg("non-zero curl exit status")
		return c.negative()
	}

	httpCode := lastHTTPCode(out)

	if httpCode != 0 && c.expectedCode(httpCode) {
		log.Logger.Debug().Str("url", c.endpoint.URL).Msg("endpoint is ok")
		c.SetStatus(check.Positive)
		v := true
		c.cached = &v
		return c.cached
	}
	log.Logger.Debug().Str("url", c.endpoint.URL).Int("code", httpCode).
		Msg("endpoint responded with unexpected HTTP code")
	return c.negative()
}

func (c *endpointCheck) negative() *bool {
	c.SetStatus(check.Negative)
	v := false
	c.cached = &v
	c.Acc.Fail()
	return c.cached
}

// sslExpiryCheck fetches the server certificate of an https endpoint and
// warns when it expires within the configured window. Non-https endpoints
// always pass.
type sslExpiryCheck struct {
	check.Check
	url      string
	warnDays int

	// dial is the seam tests use to point the handshake elsewhere.
	dial func(ctx context.Context, addr string) (*tls.Conn, error)

	cached *bool
}

func newSSLExpiryCheck(base check.Check, rawURL string, warnDays int) *sslExpiryCheck {
	c := &sslExpiryCheck{Check: base, url: rawURL, warnDays: warnDays}
	c.RepeatInterval = sslRepeatInterval
	c.dial = func(ctx context.Context, addr string) (*tls.Conn, error) {
		d := tls.Dialer{
			NetDialer: &net.Dialer{Timeout: 10 * time.Second},
			// the check reads expiry, it does not authenticate the peer
			Config: &tls.Config{InsecureSkipVerify: true},
		}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return conn.(*tls.Conn), nil
	}
	return c
}

func (c *sslExpiryCheck) run(ctx context.Context) *bool {
	if !c.ShallRepeat() {
		if c.LastStatus() != check.Positive {
			c.Acc.Fail()
		}
		return c.cached
	}
	c.MarkExecuted()

	parsed, err := url.Parse(c.url)
	if err != nil || parsed.Scheme != "https" {
		c.SetStatus(check.Positive)
		v := true
		c.cached = &v
		return c.cached
	}

	port := parsed.Port()
	if port == "" {
		port = "443"
	}

	conn, err := c.dial(ctx, net.JoinHostPort(parsed.Hostname(), port))
	if err != nil {
		log.Logger.Error().Err(err).Str("url", c.url).Msg("failed to retrieve certificate")
		c.SetStatus(check.ExecFailure)
		c.Acc.Fail()
		c.cached = nil
		return nil
	}
	defer conn.Close()

	certs := conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		log.Logger.Error().Str("url", c.url).Msg("server presented no certificate")
		c.SetStatus(check.ExecFailure)
		c.Acc.Fail()
		c.cached = nil
		return nil
	}

	notAfter := certs[0].NotAfter
	expiresIn := time.Until(notAfter)
	if expiresIn < time.Duration(c.warnDays)*24*time.Hour {
		log.Logger.Warn().Str("url", c.url).Time("not_after", notAfter).
			Msg("certificate is expiring")
		c.SetStatus(check.Negative)
		severity, label := c.Planned()
		c.SendSmartAlarm(fmt.Sprintf("service %s certificate on %s expires in %d days (%s)",
			c.Object.Name, c.url, int(expiresIn.Hours()/24), label), severity)
		c.Acc.Fail()
		v := false
		c.cached = &v
		return c.cached
	}

	c.SetStatus(check.Positive)
	v := true
	c.cached = &v
	return c.cached
}

// zabbixPortCheck evaluates one net.tcp.port item from the host-agent stats.
type zabbixPortCheck struct {
	check.Check
	port   string // item argument form, e.g. ",8080"
	cached *bool
}

func (c *zabbixPortCheck) run(stats map[string]*float64) *bool {
	if !c.ShallRepeat() {
		if c.LastStatus() != check.Positive {
			c.Acc.Fail()
		}
		return c.cached
	}
	c.MarkExecuted()

	value, ok := stats["net.tcp.port["+c.port+"]"]
	if !ok || value == nil {
		log.Logger.Warn().Str("target", c.Object.Name).Str("port", c.port).
			Msg("port is not monitored by host agent")
		c.SetStatus(check.ExecFailure)
		c.Acc.Fail()
		c.cached = nil
		return nil
	}

	if *value != 1 {
		c.SetStatus(check.Negative)
		severity, label := c.Planned()
		log.Logger.Warn().Str("target", c.Object.Name).Str("port", c.port).
			Str("planned", label).Msg("host agent reports port down")
		c.SendSmartAlarm(fmt.Sprintf("service %s host agent check: port %s is not open (%s)",
			c.Object.Name, strings.TrimPrefix(c.port, ","), label), severity)
		c.Acc.Fail()
		v := false
		c.cached = &v
		return c.cached
	}

	c.SetStatus(check.Positive)
	v := true
	c.cached = &v
	return c.cached
}

// zabbixDiskCheck evaluates the usage of one mount point from the host-agent
// stats against its threshold.
type zabbixDiskCheck struct {
	check.Check
	mountPoint string
	threshold  float64
	cached     *bool
}

func (c *zabbixDiskCheck) run(usagePercent float64) *bool {
	if !c.ShallRepeat() {
		if c.LastStatus() != check.Positive {
			c.Acc.Fail()
		}
		return c.cached
	}
	c.MarkExecuted()

	if usagePercent > c.threshold {
		log.Logger.Warn().Str("target", c.Object.Name).Str("mount", c.mountPoint).
			Float64("usage", usagePercent).Msg("disk usage is too high")
		c.SetStatus(check.Negative)
		c.SendSmartAlarm(fmt.Sprintf("service %s disk %s usage is too high (%.2f%%)",
			c.Object.Name, c.mountPoint, usagePercent), types.SeverityAlarm)
		c.Acc.Fail()
		v := false
		c.cached = &v
		return c.cached
	}

	c.SetStatus(check.Positive)
	v := true
	c.cached = &v
	return c.cached
}

// zabbixStatsCheck gathers the host-agent item set and feeds the dependent
// port and disk sub-checks.
type zabbixStatsCheck struct {
	check.Check
	spec     *config.ZabbixSpec
	client   *zabbix.Client
	cached   *types.Stats
	mounts   []string
	nics     []string
	portArgs []string
}

func newZabbixStatsCheck(base check.Check, hostname string, spec *config.ZabbixSpec) *zabbixStatsCheck {
	c := &zabbixStatsCheck{
		Check:  base,
		spec:   spec,
		client: zabbix.NewClient(hostname),
	}

	seen := make(map[string]bool)
	for _, df := range spec.DiskFree {
		if !seen[df.Mount] {
			seen[df.Mount] = true
			c.mounts = append(c.mounts, df.Mount)
		}
	}
	for _, mp := range spec.MountPoints {
		if !seen[mp] {
			seen[mp] = true
			c.mounts = append(c.mounts, mp)
		}
	}
	c.nics = spec.NICs
	for _, p := range spec.Ports {
		c.portArgs = append(c.portArgs, p.ItemArg())
	}
	return c
}

// baseItems is the standard item set requested on every pass.
var baseItems = []string{
	"vm.memory.size", "vm.memory.size[free]", "proc.num",
	"system.cpu.load", "system.cpu.util",
	"system.uptime",
	"net.if.in[enp3s0,bytes]", "net.if.out[enp3s0,bytes]",
	"vfs.dev.read[all,sectors]", "vfs.dev.write[all,sectors]",
}

func (c *zabbixStatsCheck) items() []string {
	items := append([]string{}, baseItems...)
	for _, mp := range c.mounts {
		items = append(items, fmt.Sprintf("vfs.fs.size[%s,total]", mp))
		items = append(items, fmt.Sprintf("vfs.fs.size[%s,free]", mp))
	}
	for _, port := range c.portArgs {
		items = append(items, fmt.Sprintf("net.tcp.port[%s]", port))
	}
	for _, nic := range c.nics {
		items = append(items, fmt.Sprintf("net.if.in[%s,bytes]", nic))
		items = append(items, fmt.Sprintf("net.if.out[%s,bytes]", nic))
	}
	return items
}

func (c *zabbixStatsCheck) run(ctx context.Context, portChecks map[string]*zabbixPortCheck,
	diskChecks map[string]*zabbixDiskCheck) *types.Stats {

	if !c.ShallRepeat() {
		return c.cached
	}
	c.MarkExecuted()

	values := c.client.GetAll(ctx, c.items())

	for _, port := range c.portArgs {
		if pc, ok := portChecks[port]; ok {
			pc.run(values)
		}
	}

	var diskStat []types.DiskUsage
	for _, mp := range c.mounts {
		total := values[fmt.Sprintf("vfs.fs.size[%s,total]", mp)]
		free := values[fmt.Sprintf("vfs.fs.size[%s,free]", mp)]
		if total == nil || free == nil {
			continue
		}
		used := *total - *free
		var pct *float64
		if *total > 0 {
			v := 100.0 * used / *total
			pct = &v
		}
		diskStat = append(diskStat, types.DiskUsage{
			MountPoint:      mp,
			TotalBytes:      int64(*total),
			UsedBytes:       int64(used),
			UsagePercentage: pct,
		})
		if dc, ok := diskChecks[mp]; ok && pct != nil {
			dc.run(*pct)
		}
	}

	var sent, received float64
	for _, nic := range c.nics {
		if v := values[fmt.Sprintf("net.if.in[%s,bytes]", nic)]; v != nil {
			received += *v
		}
		if v := values[fmt.Sprintf("net.if.out[%s,bytes]", nic)]; v != nil {
			sent += *v
		}
	}

	memUsagePercent := 0.0
	if values["vm.memory.size[free]"] != nil && values["vm.memory.size"] != nil &&
		*values["vm.memory.size"] != 0 {
		memUsagePercent = 100.0 * *values["vm.memory.size[free]"] / *values["vm.memory.size"]
	}

	c.cached = &types.Stats{
		CPUUsagePercent:      values["system.cpu.load"],
		MemoryUsageBytes:     values["vm.memory.size"],
		MemoryAvailableBytes: values["vm.memory.size[free]"],
		MemoryUsagePercent:   &memUsagePercent,
		PIDs:                 values["proc.num"],
		NetworkReceivedBytes: &received,
		NetworkSentBytes:     &sent,
		BlkioWrittenBytes:    values["vfs.dev.write[all,sectors]"],
		BlkioReadBytes:       values["vfs.dev.read[all,sectors]"],
		UptimeSeconds:        values["system.uptime"],
		DiskUsage:            diskStat,
	}
	c.SetStatus(check.NonBinary)
	return c.cached
}
