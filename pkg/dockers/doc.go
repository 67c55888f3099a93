/*
Package dockers maintains the pool of container-host clients.

Each configured host is either connected (its client was verified with an
engine info call) or deferred: the first connection attempt failed and the
entry re-tries on every access until it succeeds. The pseudo-id ~DEFAULT~
always resolves to the default host — the entry flagged default, else the
first configured one, else a client built from the ambient environment.
*/
package dockers
