// Package alarm defines the alarm sink interface and its implementations:
// the ordered best-effort composite fan-out, the Slack and Telegram
// transports, and the metrics counter sink. The history sink lives with the
// store since it is a storage concern.
package alarm
