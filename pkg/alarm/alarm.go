package alarm

import (
	"github.com/outpostd/outpost/pkg/log"
	"github.com/outpostd/outpost/pkg/types"
)

// Sender delivers one alarm message with a severity.
type Sender interface {
	Push(message string, severity types.Severity)
}

// Composite fans one alarm out to an ordered list of sinks. Delivery is
// best-effort: a panicking sink is logged and never prevents later sinks from
// receiving the message.
type Composite struct {
	senders []Sender
}

// NewComposite creates a composite sender over the given sinks, delivered in
// registration order.
func NewComposite(senders ...Sender) *Composite {
	c := &Composite{}
	for _, s := range senders {
		c.Add(s)
	}
	return c
}

// Add appends a sink to the delivery list.
func (c *Composite) Add(sender Sender) {
	if sender != nil {
		c.senders = append(c.senders, sender)
	}
}

// Push delivers the message to every sink.
func (c *Composite) Push(message string, severity types.Severity) {
	for _, s := range c.senders {
		push(s, message, severity)
	}
}

func push(s Sender, message string, severity types.Severity) {
	defer func() {
		if r := recover(); r != nil {
			log.Logger.Error().Interface("panic", r).Msg("alarm sink failed")
		}
	}()
	s.Push(message, severity)
}
