// Package gitlab implements the compare-branches query against a
// GitLab-compatible source host, used by the source-update checks.
package gitlab
