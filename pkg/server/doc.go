/*
Package server exposes the task graph core as a stateless command
server over line-delimited JSON-RPC on stdio, speaking the MCP tool
protocol: initialize, tools/list, tools/call, resources/list,
resources/read, and resource subscriptions.

The Dispatcher validates each tool's typed argument list before
touching the database, attributes mutating calls to a registered
worker (refreshing its heartbeat), routes to the owning component, and
maps every mutation to the fixed set of resource invalidation tokens.
Change events fan out through the broker to each session's subscribed
URIs; delivery is best-effort and never affects the committing
mutation.

Sessions are independent of worker identity: a worker id is a logical
identity that may re-attach across transport sessions.
*/
package server
