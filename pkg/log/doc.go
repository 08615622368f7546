/*
Package log provides structured logging for chunkmaster using zerolog.

It wraps a single global Logger, initialized once via Init, and exposes
component- and entity-scoped child loggers (WithComponent, WithNodeID,
WithChunkID, WithJobID) so that every subsystem's log lines carry enough
context to correlate a chunk, a storage node, or a job across the refresh,
placement, and job-controller packages without repeating fields by hand.

Invariant violations are never fatal: use log.Alert to mark them so they
stand out from ordinary warnings without aborting the mutation that
produced them.
*/
package log
