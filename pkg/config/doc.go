/*
Package config loads, validates and merges the monitoring configuration.

Configuration comes from YAML documents: files or directories named on the
command line plus, optionally, the OUTPOST_CONFIGURATION environment
variable. Every ${NAME} token inside a document is substituted from the
process environment before parsing; an unresolved token refuses to start.
Documents merge additively (arrays concatenate, scalars last-wins) and are
validated structurally; a document with enabled: false is skipped whole.
*/
package config
