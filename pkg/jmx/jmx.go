package jmx

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	// AgentImage is the tag of the query-agent image built per host.
	AgentImage = "outpost-jmx-agent"

	// AgentPort is the fixed port the TCP forwarder inside the proxy
	// container listens on.
	AgentPort = 61234

	// AgentJarPath is where the query jar lives inside the agent image.
	AgentJarPath = "/opt/jmxquery/JMXQuery.jar"
)

// AgentURL is the connection URL the query tool uses inside the proxy
// container.
var AgentURL = fmt.Sprintf("service:jmx:rmi:///jndi/rmi://localhost:%d/jmxrmi", AgentPort)

// Kind separates the built-in metric set from user-defined mbeans.
type Kind string

const (
	KindStat Kind = "stat"
	KindUser Kind = "user"
)

// Query describes one managed-bean attribute to read, together with the alias
// and conversion applied to the returned value.
type Query struct {
	MBean        string
	MetricName   string
	Attribute    string
	AttributeKey string
	Alias        string
	Conv         string
	Kind         Kind
}

// String renders the query in the agent's -q syntax.
func (q Query) String() string {
	s := q.MBean
	if q.Attribute != "" {
		s += "/" + q.Attribute
		if q.AttributeKey != "" {
			s += "/" + q.AttributeKey
		}
	}
	if q.MetricName != "" {
		s = q.MetricName + "==" + s
	}
	return s
}

// DefaultQueries is the built-in metric set collected for every service.
func DefaultQueries() []Query {
	return []Query{
		{
			Alias:        "memory_usage_bytes",
			MBean:        "java.lang:type=Memory",
			MetricName:   "HeapMemoryUsage",
			Attribute:    "HeapMemoryUsage",
			AttributeKey: "used",
			Kind:         KindStat,
		},
		{
			Alias:      "cpu_usage_percent",
			MBean:      "java.lang:type=OperatingSystem",
			MetricName: "ProcessCpuLoad",
			Attribute:  "ProcessCpuLoad",
			Conv:       ConvPercent,
			Kind:       KindStat,
		},
		{
			Alias:      "num_threads",
			MBean:      "java.lang:type=Threading",
			MetricName: "ThreadCount",
			Attribute:  "ThreadCount",
			Kind:       KindStat,
		},
		{
			Alias:      "num_classes",
			MBean:      "java.lang:type=ClassLoading",
			MetricName: "LoadedClassCount",
			Attribute:  "LoadedClassCount",
			Kind:       KindStat,
		},
		{
			Alias:      "uptime_seconds",
			MBean:      "java.lang:type=Runtime",
			MetricName: "Uptime",
			Attribute:  "Uptime",
			Conv:       ConvMillisToSeconds,
			Kind:       KindStat,
		},
		{
			Alias:      "started_at",
			MBean:      "java.lang:type=Runtime",
			MetricName: "StartTime",
			Attribute:  "StartTime",
			Conv:       ConvJavaTimestamp,
			Kind:       KindStat,
		},
	}
}

// Command builds the agent invocation executed inside the proxy container.
func Command(queries []Query, username, password string) []string {
	return CommandWithURL(queries, AgentURL, username, password)
}

// CommandWithURL builds the agent invocation against an explicit connection
// URL, used for services reached directly instead of through a proxy.
func CommandWithURL(queries []Query, url, username, password string) []string {
	cmd := []string{"java", "-jar", AgentJarPath, "-url", url, "-json"}
	if username != "" {
		cmd = append(cmd, "-u", username, "-p", password)
	}

	var qs strings.Builder
	for _, q := range queries {
		qs.WriteString(q.String())
		qs.WriteString(";")
	}
	return append(cmd, "-q", qs.String())
}

// Metric is one record of the agent's JSON output.
type Metric struct {
	MBeanName    string         `json:"mBeanName"`
	MetricName   string         `json:"metric_name"`
	MetricLabels map[string]any `json:"metric_labels"`
	Attribute    string         `json:"attribute"`
	AttributeKey string         `json:"attributeKey"`
	ValueType    string         `json:"value_type"`
	Value        any            `json:"value"`
}

// matches reports whether the metric answers the query: the mbean name must
// match, and every query field that was set must match too.
func (m *Metric) matches(q Query) bool {
	if m.MBeanName != q.MBean {
		return false
	}
	if q.MetricName != "" && m.MetricName != q.MetricName {
		return false
	}
	if q.Attribute != "" && m.Attribute != q.Attribute {
		return false
	}
	if q.AttributeKey != "" && m.AttributeKey != q.AttributeKey {
		return false
	}
	return true
}

// ParseOutput decodes the agent's JSON output and splits the values into the
// built-in stat map and the user-defined map, keyed by alias and with
// conversions applied. Metrics that answer no query are dropped.
func ParseOutput(output []byte, queries []Query) (stats map[string]any, user map[string]any, err error) {
	var metrics []Metric
	if err := json.Unmarshal(output, &metrics); err != nil {
		return nil, nil, fmt.Errorf("failed to parse agent output: %w", err)
	}

	stats = make(map[string]any)
	user = make(map[string]any)

	for _, m := range metrics {
		var matched *Query
		for i := range queries {
			if m.matches(queries[i]) {
				matched = &queries[i]
				break
			}
		}
		if matched == nil {
			continue
		}

		value, err := Convert(matched.Conv, m.Value)
		if err != nil {
			return nil, nil, fmt.Errorf("metric %s: %w", matched.Alias, err)
		}

		switch matched.Kind {
		case KindUser:
			user[matched.Alias] = value
		default:
			stats[matched.Alias] = value
		}
	}
	return stats, user, nil
}

// StartedAt extracts the service start time from a stat map.
func StartedAt(stats map[string]any) (time.Time, bool) {
	v, ok := stats["started_at"]
	if !ok {
		return time.Time{}, false
	}
	t, ok := v.(time.Time)
	return t, ok
}
