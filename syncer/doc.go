// Package syncer runs the background worker that drains the outbox and
// applies committed changes to the secondary store: FIFO single-threaded
// batches, adaptive idle backoff, bounded retries with dead-lettering, and
// graceful drain on shutdown.
package syncer
