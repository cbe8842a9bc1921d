/*
Package metrics provides Prometheus metrics for the task graph server:
tool-call counts and latency, claim and transition counters, connected
worker and long-poll waiter gauges, and notification fan-out totals.

Metrics are exposed on an optional scrape listener enabled with
--metrics-addr; the default stdio transport carries no metrics traffic.
*/
package metrics
