package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvConfigName is the environment variable that may carry a whole
// configuration document in addition to the files on the command line.
const EnvConfigName = "OUTPOST_CONFIGURATION"

// Config is the merged monitoring configuration. Multiple documents merge
// additively: arrays concatenate, scalars last-wins.
type Config struct {
	Name      string          `yaml:"name"`
	Enabled   *bool           `yaml:"enabled"`
	Dockers   []DockerConn    `yaml:"dockers" validate:"dive"`
	Blueprint []ContainerSpec `yaml:"blueprint" validate:"dive"`
	JMX       []JMXService    `yaml:"jmx" validate:"dive"`
	Services  []ServiceSpec   `yaml:"services" validate:"dive"`
	Actions   []ActionSpec    `yaml:"actions" validate:"dive"`
	Readme    string          `yaml:"readme"`
}

// DockerConn names one container host. An empty URL means the ambient
// environment default.
type DockerConn struct {
	ID      string `yaml:"id" validate:"required"`
	URL     string `yaml:"url"`
	Default bool   `yaml:"default"`
}

// DiskFree sets a usage threshold (percent) for one mount point.
type DiskFree struct {
	Mount     string  `yaml:"mount" validate:"required"`
	Threshold float64 `yaml:"threshold" validate:"min=0,max=100"`
}

// GitLabUpdateCheck configures the compare-branches source-update check.
type GitLabUpdateCheck struct {
	URL          string `yaml:"url" validate:"required"`
	Token        string `yaml:"token" validate:"required"`
	ProjectID    int    `yaml:"project-id" validate:"required"`
	DevBranch    string `yaml:"dev-branch" validate:"required"`
	DeployBranch string `yaml:"deploy-branch" validate:"required"`
}

// ImageUpdateCheck configures the registry image-update check. Credentials
// are passed through only when both username and password are present.
type ImageUpdateCheck struct {
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	ImageTagPattern string `yaml:"image-tag-pattern"`
}

// ContainerSpec describes one monitored container.
type ContainerSpec struct {
	Name         string             `yaml:"name" validate:"required"`
	FriendlyName string             `yaml:"friendly-name"`
	Desc         string             `yaml:"desc"`
	Docker       string             `yaml:"docker"`
	Panel        string             `yaml:"panel"`
	Src          string             `yaml:"src"`
	Ports        []int              `yaml:"ports" validate:"dive,min=1,max=65535"`
	DiskFree     []DiskFree         `yaml:"disk-free" validate:"dive"`
	GitLabUpdate *GitLabUpdateCheck `yaml:"gitlab-update-check"`
	ImageUpdate  *ImageUpdateCheck  `yaml:"image-update-check"`
}

// JMXDockerURL reaches a managed-bean port through a proxy container sharing
// the target's network namespace.
type JMXDockerURL struct {
	Container string `yaml:"container" validate:"required"`
	Port      int    `yaml:"port" validate:"required,min=1,max=65535"`
}

// JMXURL selects the access path to a managed-bean endpoint.
type JMXURL struct {
	Docker *JMXDockerURL `yaml:"docker"`
	Direct string        `yaml:"direct"`
}

// MBean is one user-defined managed-bean metric. Conv names a conversion from
// the conversion registry; arbitrary expressions are not evaluated.
type MBean struct {
	Name         string `yaml:"name" validate:"required"`
	Alias        string `yaml:"our-alias"`
	MetricName   string `yaml:"metric-name" validate:"required"`
	Attribute    string `yaml:"attribute"`
	AttributeKey string `yaml:"attribute-key"`
	Conv         string `yaml:"conv"`
}

// JMXService describes one JVM service exposing managed-bean metrics.
type JMXService struct {
	Service  string  `yaml:"service" validate:"required"`
	Desc     string  `yaml:"desc"`
	Panel    string  `yaml:"panel"`
	Docker   string  `yaml:"docker"`
	Src      string  `yaml:"src"`
	URL      JMXURL  `yaml:"url"`
	Timeout  int     `yaml:"timeout"`
	Username string  `yaml:"username"`
	Password string  `yaml:"password"`
	MBeans   []MBean `yaml:"mbeans" validate:"dive"`
}

// BasicAuth carries HTTP basic-auth credentials.
type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// EndpointAuth selects an authentication scheme for an endpoint.
type EndpointAuth struct {
	Basic *BasicAuth `yaml:"basic"`
}

// Endpoint describes one HTTP(S) endpoint check.
type Endpoint struct {
	URL             string            `yaml:"url" validate:"required"`
	Method          string            `yaml:"method"`
	Data            string            `yaml:"data"`
	ExtraCurlParams string            `yaml:"extra_curl_params"`
	ExtraHeaders    map[string]string `yaml:"extra_headers"`
	Auth            *EndpointAuth     `yaml:"auth"`
	Type            string            `yaml:"type" validate:"omitempty,oneof=direct docker"`
	ExpCode         []int             `yaml:"exp_code" validate:"dive,min=0,max=999"`
}

// ZabbixSpec configures host-agent stats gathering for a service.
type ZabbixSpec struct {
	Ports       []PortSpec `yaml:"ports"`
	DiskFree    []DiskFree `yaml:"disk-free" validate:"dive"`
	MountPoints []string   `yaml:"mount-points"`
	NICs        []string   `yaml:"nic"`
}

// PortSpec is a host-agent port item, given either as a bare port number or
// as "address:port".
type PortSpec string

// UnmarshalYAML accepts integers and strings.
func (p *PortSpec) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		var n int
		if err := node.Decode(&n); err != nil {
			return fmt.Errorf("port must be a number or \"address:port\"")
		}
		raw = fmt.Sprintf("%d", n)
	}
	*p = PortSpec(raw)
	return nil
}

// ItemArg converts the spec to the host-agent net.tcp.port argument form
// ",port" or "address,port".
func (p PortSpec) ItemArg() string {
	s := strings.ReplaceAll(string(p), ":", ",")
	if !strings.Contains(s, ",") {
		s = "," + s
	}
	return s
}

// ServiceSpec describes one monitored web service.
type ServiceSpec struct {
	Name         string             `yaml:"name" validate:"required"`
	FriendlyName string             `yaml:"friendly-name"`
	Desc         string             `yaml:"desc"`
	Panel        string             `yaml:"panel"`
	Src          string             `yaml:"src"`
	Hostname     string             `yaml:"hostname"`
	Docker       string             `yaml:"docker"`
	Ports        []int              `yaml:"ports" validate:"dive,min=1,max=65535"`
	Endpoints    []Endpoint         `yaml:"endpoints" validate:"dive"`
	Zabbix       *ZabbixSpec        `yaml:"zabbix"`
	GitLabUpdate *GitLabUpdateCheck `yaml:"gitlab-update-check"`
}

// ActionSpec declares one operator-triggered maintenance command run as a
// container.
type ActionSpec struct {
	Name        string   `yaml:"name" validate:"required"`
	Command     string   `yaml:"command"`
	Docker      string   `yaml:"docker"`
	ID          string   `yaml:"id"`
	Icon        string   `yaml:"icon"`
	Image       string   `yaml:"image" validate:"required"`
	Network     string   `yaml:"network"`
	NetworkMode string   `yaml:"network_mode"`
	Privileged  bool     `yaml:"privileged"`
	User        string   `yaml:"user"`
	VolumesFrom string   `yaml:"volumes_from"`
	WorkingDir  string   `yaml:"working_dir"`
	Volumes     []string `yaml:"volumes"`
	Devices     []string `yaml:"devices"`
	Environment []string `yaml:"environment"`
	Artifacts   []string `yaml:"artifacts"`
}

var envTokenPattern = regexp.MustCompile(`\$\{(\w+)}`)

// substituteEnv replaces every ${NAME} token with the value of the process
// environment variable. An unresolved token is a fatal configuration error.
func substituteEnv(raw []byte) ([]byte, error) {
	var missing []string
	out := envTokenPattern.ReplaceAllFunc(raw, func(token []byte) []byte {
		name := string(envTokenPattern.FindSubmatch(token)[1])
		value, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return token
		}
		return []byte(value)
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("environment variable %s referred in the configuration is not set",
			strings.Join(missing, ", "))
	}
	return out, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func parseDocument(raw []byte) (*Config, error) {
	raw, err := substituteEnv(raw)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if cfg.Enabled != nil && !*cfg.Enabled {
		return nil, nil
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Load reads and merges the configuration document from OUTPOST_CONFIGURATION
// (if set) and each given path. A path naming a directory contributes every
// *.yml / *.yaml file in it. Documents with enabled: false are skipped.
func Load(paths []string) (*Config, error) {
	merged := &Config{}
	loadedAny := false

	if raw := os.Getenv(EnvConfigName); raw != "" {
		cfg, err := parseDocument([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvConfigName, err)
		}
		if cfg != nil {
			merged = Merge(merged, cfg)
			loadedAny = true
		}
	}

	files, err := expandPaths(paths)
	if err != nil {
		return nil, err
	}
	for _, file := range files {
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		cfg, err := parseDocument(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		if cfg != nil {
			merged = Merge(merged, cfg)
			loadedAny = true
		}
	}

	if !loadedAny {
		return nil, fmt.Errorf("no configuration loaded")
	}

	if err := assignActionIDs(merged.Actions); err != nil {
		return nil, err
	}
	return merged, nil
}

func expandPaths(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", p, err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if strings.HasSuffix(e.Name(), ".yml") || strings.HasSuffix(e.Name(), ".yaml") {
				files = append(files, filepath.Join(p, e.Name()))
			}
		}
	}
	return files, nil
}

func isAlnum(s string) bool {
	for _, r := range s {
		if !('a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9') {
			return false
		}
	}
	return true
}

// assignActionIDs defaults every missing action id to the first 8 hex digits
// of the SHA-256 of the action name.
func assignActionIDs(actions []ActionSpec) error {
	for i := range actions {
		if actions[i].ID == "" {
			sum := sha256.Sum256([]byte(actions[i].Name))
			actions[i].ID = hex.EncodeToString(sum[:])[:8]
		} else if !isAlnum(actions[i].ID) {
			return fmt.Errorf("action id %q is invalid: it may contain only letters and numbers", actions[i].ID)
		}
	}
	return nil
}
