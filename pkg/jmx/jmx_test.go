package jmx

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommand_BuildsAgentInvocation(t *testing.T) {
	queries := []Query{
		{MBean: "java.lang:type=Runtime", MetricName: "Uptime", Attribute: "Uptime"},
	}

	cmd := Command(queries, "", "")
	require.GreaterOrEqual(t, len(cmd), 7)
	assert.Equal(t, "java", cmd[0])
	assert.Equal(t, "-jar", cmd[1])
	assert.Equal(t, AgentJarPath, cmd[2])
	assert.Equal(t, "-url", cmd[3])
	assert.Contains(t, cmd[4], "61234")
	assert.Contains(t, cmd, "-json")
	assert.NotContains(t, cmd, "-u")

	query := cmd[len(cmd)-1]
	assert.True(t, strings.HasSuffix(query, ";"))
}

func TestCommand_WithCredentials(t *testing.T) {
	cmd := Command(DefaultQueries(), "admin", "pass")
	assert.Contains(t, cmd, "-u")
	assert.Contains(t, cmd, "admin")
	assert.Contains(t, cmd, "-p")
	assert.Contains(t, cmd, "pass")
}

func TestQueryString(t *testing.T) {
	q := Query{
		MBean:        "java.lang:type=Memory",
		MetricName:   "HeapMemoryUsage",
		Attribute:    "HeapMemoryUsage",
		AttributeKey: "used",
	}
	assert.Equal(t, "HeapMemoryUsage==java.lang:type=Memory/HeapMemoryUsage/used", q.String())

	q = Query{MBean: "java.lang:type=Threading"}
	assert.Equal(t, "java.lang:type=Threading", q.String())
}

func TestParseOutput_SplitsStatAndUser(t *testing.T) {
	queries := DefaultQueries()
	queries = append(queries, Query{
		MBean:      "com.acme:type=Queue",
		MetricName: "Depth",
		Attribute:  "Depth",
		Alias:      "queue_depth",
		Kind:       KindUser,
	})

	output := `[
		{"mBeanName": "java.lang:type=Memory", "metric_name": "HeapMemoryUsage",
		 "attribute": "HeapMemoryUsage", "attributeKey": "used", "value_type": "Long", "value": 123456789},
		{"mBeanName": "java.lang:type=OperatingSystem", "metric_name": "ProcessCpuLoad",
		 "attribute": "ProcessCpuLoad", "value_type": "Double", "value": 0.25},
		{"mBeanName": "java.lang:type=Runtime", "metric_name": "Uptime",
		 "attribute": "Uptime", "value_type": "Long", "value": 90000},
		{"mBeanName": "java.lang:type=Runtime", "metric_name": "StartTime",
		 "attribute": "StartTime", "value_type": "Long", "value": 1748779200000},
		{"mBeanName": "com.acme:type=Queue", "metric_name": "Depth",
		 "attribute": "Depth", "value_type": "Integer", "value": 17},
		{"mBeanName": "com.other:type=Ignored", "metric_name": "X",
		 "attribute": "X", "value_type": "Integer", "value": 1}
	]`

	stats, user, err := ParseOutput([]byte(output), queries)
	require.NoError(t, err)

	assert.Equal(t, float64(123456789), stats["memory_usage_bytes"])
	assert.Equal(t, 25.0, stats["cpu_usage_percent"])
	assert.Equal(t, 90.0, stats["uptime_seconds"])

	started, ok := StartedAt(stats)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), started)

	assert.Equal(t, float64(17), user["queue_depth"])
	assert.NotContains(t, user, "X")
	assert.Len(t, user, 1)
}

func TestParseOutput_BadJSON(t *testing.T) {
	_, _, err := ParseOutput([]byte("Exception in thread main"), DefaultQueries())
	require.Error(t, err)
}

func TestJavaTimestamp(t *testing.T) {
	ts := JavaTimestamp(1748779200000)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), ts)
}

func TestConvert(t *testing.T) {
	v, err := Convert(ConvPercent, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 50.0, v)

	v, err = Convert(ConvMillisToSeconds, 1500.0)
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)

	v, err = Convert(ConvIdentity, "text")
	require.NoError(t, err)
	assert.Equal(t, "text", v)

	_, err = Convert("x*100", 1.0)
	require.Error(t, err, "expression-style conversions are not evaluated")

	_, err = Convert(ConvPercent, "not a number")
	require.Error(t, err)
}

func TestKnownConversion(t *testing.T) {
	assert.True(t, KnownConversion(""))
	assert.True(t, KnownConversion(ConvJavaTimestamp))
	assert.False(t, KnownConversion("eval"))
}
