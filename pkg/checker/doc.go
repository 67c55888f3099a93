/*
Package checker implements the three check families of the monitor.

DockerChecker watches containers on one or more hosts: raw status, restarts,
open ports (probed from inside the target's network namespace), disk
pressure (df probe containers over bind-mount sources), image updates
against the source registry and source updates against a GitLab-compatible
compare API, plus a per-cycle resource snapshot from the engine stats
endpoint.

JMXChecker watches JVM services through an external query agent executed in
a per-target proxy container (a TCP forwarder sharing the target's network
namespace); it extracts a built-in metric set plus user-defined mbeans and
detects restarts from the JVM start time.

WebServiceChecker watches generic web services: TCP ports, HTTP(S)
endpoints (native client or curl probe container), certificate expiry and
host-agent statistics over the Zabbix wire protocol.

All checkers share the same cycle shape: per target, reset the accumulator,
run the checks in a fixed order, fold the accumulator into OK/NOK, emit
transition alarms, and update the rolling status that StoreStatus appends to
the time-series store. A target that cannot be found is skipped for the
cycle and keeps its previous status.
*/
package checker
