// Package publisher fans applied row changes out to a message broker so
// downstream consumers can follow the replica without their own slot on the
// primary. Fan-out is best-effort and never blocks replication.
package publisher

// Event is one applied row change, as delivered to a sink.
type Event struct {
	LSN       string         `json:"lsn"`
	Schema    string         `json:"schema,omitempty"`
	Table     string         `json:"table"`
	Operation string         `json:"op"` // insert, update, delete
	Columns   map[string]any `json:"columns,omitempty"`
	OldKeys   map[string]any `json:"old_keys,omitempty"`
}

// Sink is a destination for events (NATS, Kafka).
type Sink interface {
	// Publish sends one event payload. key routes partitioning where the
	// sink supports it.
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink.
	Close() error
}

// Filter decides whether an event should be published.
type Filter interface {
	Match(schema, table string) bool
}
