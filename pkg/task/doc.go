/*
Package task implements the task store: CRUD over tasks and their tag
sets, typed dependency edges with blocking-cycle prevention,
attachments with per-type append/replace modes, the configurable status
and phase machines with automatic time accounting, soft delete, atomic
rename, and structural tree creation.

Every mutation runs in a single storage transaction. Status and phase
transitions flow through one commit sequence: validate the exit
relation, check affinity and gates, close the prior open task_sequence
row, append the new one, accrue timed-state duration, reconcile
ownership, and write the task row. Transitions out of blocking states
propagate unblock checks to start-dependents and, when auto-advance is
enabled, cascade them out of the initial state inside the same
transaction.
*/
package task
