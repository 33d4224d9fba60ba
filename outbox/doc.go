// Package outbox provides the transactional outbox primitives for the
// study-tracking application: the durable event record written atomically
// alongside primary-store mutations, the repository contract the sync
// worker drains, and the closed aggregate/event-type vocabulary that maps
// events to destination collections.
package outbox
