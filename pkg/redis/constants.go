package redis

import "time"

// Key entities define the first key segment for the runtime's data.
const (
	EntityEvent     = "event"     // Cached event definitions (event:<name>, event:list)
	EntityConsumers = "consumers" // Cached consumer lists (consumers:<name>)
	EntityPending   = "pending"   // Pending at-least-once deliveries (pending:<envelopeId>)
	EntityDedup     = "dedup"     // Processing dedup locks for bus workers
)

// Well-known attribute values.
const (
	AttributeList = "list" // event:list holds the full definition list
)

// Stream names.
const (
	StreamDeadLetter = "loom:dlq" // Envelopes that exhausted redelivery
)

// TTL constants define the time-to-live durations for different types of data.
const (
	TTLCatalogEntry   = 5 * time.Minute  // Cached definitions and consumer lists
	TTLDedupLock      = 30 * time.Second // Bus worker processing locks
	TTLPendingSafety  = 24 * time.Hour   // Upper bound on pending delivery entries
	TTLAskCorrelation = 1 * time.Minute  // Response channel bookkeeping
)
