/*
Package types defines the shared domain model for the task graph core:
tasks, workers, dependency edges, attachments, file marks, the two
append-only sequence logs, and the closed error taxonomy used by the
tool surface.

All timestamps are integers in milliseconds since the Unix epoch.
Identifiers are opaque UTF-8 strings; the ids package generates
petname-style defaults but any unique string is accepted.
*/
package types
