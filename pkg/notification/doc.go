// Package notification manages restart-notification windows: authored time
// intervals during which alarms for a specific object are downgraded to
// informational and labelled "as planned".
package notification
