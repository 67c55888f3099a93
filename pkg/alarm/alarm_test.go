package alarm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/outpostd/outpost/pkg/log"
	"github.com/outpostd/outpost/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

type recordingSender struct {
	messages   []string
	severities []types.Severity
}

func (r *recordingSender) Push(message string, severity types.Severity) {
	r.messages = append(r.messages, message)
	r.severities = append(r.severities, severity)
}

type panickingSender struct{}

func (p *panickingSender) Push(string, types.Severity) {
	panic("sink exploded")
}

func TestComposite_DeliversInRegistrationOrder(t *testing.T) {
	var order []string
	first := &orderedSender{name: "first", order: &order}
	second := &orderedSender{name: "second", order: &order}

	c := NewComposite(first, second)
	c.Push("hello", types.SeverityInfo)

	assert.Equal(t, []string{"first", "second"}, order)
}

type orderedSender struct {
	name  string
	order *[]string
}

func (o *orderedSender) Push(string, types.Severity) {
	*o.order = append(*o.order, o.name)
}

func TestComposite_FailingSinkDoesNotBlockLaterSinks(t *testing.T) {
	last := &recordingSender{}
	c := NewComposite(&panickingSender{}, last)

	c.Push("service is down", types.SeverityAlarm)

	assert.Equal(t, []string{"service is down"}, last.messages)
	assert.Equal(t, []types.Severity{types.SeverityAlarm}, last.severities)
}

func TestComposite_AddAppends(t *testing.T) {
	c := NewComposite()
	rec := &recordingSender{}
	c.Add(rec)
	c.Add(nil) // ignored

	c.Push("one", types.SeverityWarning)
	assert.Len(t, rec.messages, 1)
}
