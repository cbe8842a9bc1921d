/*
Package storage provides the embedded SQLite engine backing every
subsystem: schema migrations, the serialized write path, and the shared
read pool.

The database runs in WAL journal mode with foreign keys enforced and a
multi-second busy timeout. Readers overlap writers freely through
snapshot isolation; writes serialize on the file's writer lock across
processes and on an in-process mutex within one, with bounded backoff
retry on transient busy errors.

Migrations follow a versioned ordered list applied idempotently inside
transactions and recorded in schema_migrations. Full-text indexes over
tasks and text attachments are maintained by triggers installed by the
migration set.
*/
package storage
