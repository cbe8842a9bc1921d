/*
Package events provides the in-process change-notification broker.

Mutating tool calls publish the resource URIs they invalidated; each
transport session subscribes and forwards the events that intersect its
client's subscriptions. Delivery is best-effort with per-subscriber
buffers; a slow consumer drops events rather than blocking writers.
*/
package events
