package publisher

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/translicate/translicate/wal"
)

// DefaultQueueSize bounds the publish queue when the config leaves it unset.
const DefaultQueueSize = 1024

// Worker drains a queue of applied changes into a sink on its own
// goroutine. Enqueueing never blocks: when the queue is full the event is
// dropped and logged, keeping replication ahead of a slow broker.
type Worker struct {
	sink        Sink
	filter      Filter
	topicPrefix string

	queue  chan Event
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker creates a worker publishing to sink. filter may be nil to
// publish every table.
func NewWorker(sink Sink, filter Filter, topicPrefix string, queueSize int) *Worker {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Worker{
		sink:        sink,
		filter:      filter,
		topicPrefix: topicPrefix,
		queue:       make(chan Event, queueSize),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the publish goroutine.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop drains the queue and closes the sink.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	if err := w.sink.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close publisher sink")
	}
}

// ChangeApplied converts an applied row change into an event and enqueues
// it. Satisfies the coordinator's observer contract; must not block.
func (w *Worker) ChangeApplied(lsn wal.LSN, change *wal.RowChange) {
	if w.filter != nil && !w.filter.Match(change.Schema, change.Table) {
		return
	}

	event := Event{
		LSN:       lsn.String(),
		Schema:    change.Schema,
		Table:     change.Table,
		Operation: string(change.Kind),
		Columns:   zipColumns(change.ColumnNames, change.ColumnValues),
	}
	if change.OldKeys != nil {
		event.OldKeys = zipColumns(change.OldKeys.KeyNames, change.OldKeys.KeyValues)
	}

	select {
	case w.queue <- event:
	default:
		log.Warn().
			Str("table", change.Table).
			Str("lsn", event.LSN).
			Msg("Publish queue full, dropping event")
	}
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case event := <-w.queue:
			w.publish(event)
		case <-w.stopCh:
			// Drain what is already queued, then exit.
			for {
				select {
				case event := <-w.queue:
					w.publish(event)
				default:
					return
				}
			}
		}
	}
}

func (w *Worker) publish(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("table", event.Table).Msg("Failed to encode event")
		return
	}

	topic := w.topicFor(event)
	if err := w.sink.Publish(topic, event.Table, payload); err != nil {
		log.Warn().Err(err).
			Str("topic", topic).
			Str("lsn", event.LSN).
			Msg("Failed to publish event")
	}
}

func (w *Worker) topicFor(event Event) string {
	parts := make([]string, 0, 3)
	if w.topicPrefix != "" {
		parts = append(parts, w.topicPrefix)
	}
	if event.Schema != "" {
		parts = append(parts, event.Schema)
	}
	parts = append(parts, event.Table)
	return strings.Join(parts, ".")
}

func zipColumns(names []string, values []any) map[string]any {
	if len(names) == 0 || len(names) != len(values) {
		return nil
	}
	cols := make(map[string]any, len(names))
	for i, name := range names {
		cols[name] = values[i]
	}
	return cols
}
