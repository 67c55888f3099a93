// Package actions runs operator-declared maintenance commands as containers
// and collects either their output or a merged archive of declared artifact
// paths.
package actions
