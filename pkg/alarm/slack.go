package alarm

import (
	"os"
	"strings"

	"github.com/slack-go/slack"

	"github.com/outpostd/outpost/pkg/log"
	"github.com/outpostd/outpost/pkg/types"
)

// SlackSender posts alarms to a Slack channel. It is configured entirely from
// the environment and disables itself (with an error log) when the token or
// channel is missing.
type SlackSender struct {
	enabled bool
	client  *slack.Client
	channel string
	envName string
}

// NewSlackSender reads SLACK_TOKEN, SLACK_CHANNEL and ENV_NAME from the
// environment.
func NewSlackSender() *SlackSender {
	s := &SlackSender{enabled: true}

	token := os.Getenv("SLACK_TOKEN")
	if token == "" {
		log.Error("SLACK_TOKEN not set - slack alarms disabled")
		s.enabled = false
		return s
	}

	s.channel = os.Getenv("SLACK_CHANNEL")
	if s.channel == "" {
		log.Error("SLACK_CHANNEL not set - slack alarms disabled")
		s.enabled = false
		return s
	}

	s.envName = os.Getenv("ENV_NAME")
	s.client = slack.New(token)
	return s
}

// Push posts the message, prefixed with its upper-cased severity.
func (s *SlackSender) Push(message string, severity types.Severity) {
	if !s.enabled {
		return
	}

	text := strings.ToUpper(string(severity)) + ": " + message
	if s.envName != "" {
		text = s.envName + " : " + text
	}

	channel := s.channel
	if !strings.HasPrefix(channel, "#") {
		channel = "#" + channel
	}

	if _, _, err := s.client.PostMessage(channel, slack.MsgOptionText(text, false)); err != nil {
		log.Logger.Error().Err(err).Msg("failed to post slack alarm")
	}
}
