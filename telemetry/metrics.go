package telemetry

// Replication metrics. Declared as package vars so call sites stay terse;
// bound to prometheus by Initialize, no-ops otherwise.
var (
	// MessagesProcessed counts WAL messages fully processed and acknowledged.
	MessagesProcessed Counter = NoopStat{}

	// ChangesApplied counts row changes executed on the replica.
	ChangesApplied Counter = NoopStat{}

	// ChangesBuffered counts row changes deferred behind pending DDL.
	ChangesBuffered Counter = NoopStat{}

	// ChangesDropped counts dropped row changes by reason
	// (exec, missing_identity_keys, unsupported_operation, malformed, filtered).
	ChangesDropped CounterVec = noopCounterVec{}

	// DDLApplied counts DDL statements replayed on the replica.
	DDLApplied Counter = NoopStat{}

	// DDLSkipped counts administrative DDL entries skipped but advanced past.
	DDLSkipped Counter = NoopStat{}

	// DDLFailures counts DDL statements that failed on the replica.
	DDLFailures Counter = NoopStat{}

	// SequenceResyncFailures counts per-sequence resync failures.
	SequenceResyncFailures Counter = NoopStat{}

	// BufferDepth tracks the number of currently deferred row changes.
	BufferDepth Gauge = NoopStat{}

	// LastAppliedDDLLSN exports the DDL replay high-water mark.
	LastAppliedDDLLSN Gauge = NoopStat{}

	// LastAckedLSN exports the acknowledged stream position.
	LastAckedLSN Gauge = NoopStat{}
)

func bindMetrics() {
	MessagesProcessed = NewCounter("messages_processed_total", "WAL messages fully processed and acknowledged")
	ChangesApplied = NewCounter("changes_applied_total", "Row changes executed on the replica")
	ChangesBuffered = NewCounter("changes_buffered_total", "Row changes deferred behind pending DDL")
	ChangesDropped = NewCounterVec("changes_dropped_total", "Row changes dropped", "reason")
	DDLApplied = NewCounter("ddl_applied_total", "DDL statements replayed on the replica")
	DDLSkipped = NewCounter("ddl_skipped_total", "Administrative DDL entries skipped")
	DDLFailures = NewCounter("ddl_failures_total", "DDL statements that failed on the replica")
	SequenceResyncFailures = NewCounter("sequence_resync_failures_total", "Per-sequence resync failures")
	BufferDepth = NewGauge("buffer_depth", "Currently deferred row changes")
	LastAppliedDDLLSN = NewGauge("last_applied_ddl_lsn", "DDL replay high-water mark")
	LastAckedLSN = NewGauge("last_acked_lsn", "Acknowledged stream position")
}
