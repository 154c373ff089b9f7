package repl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog/log"

	"github.com/translicate/translicate/telemetry"
	"github.com/translicate/translicate/wal"
)

// Dispatcher owns the long-lived connection to the primary's logical
// replication slot. Messages are processed strictly in stream order, one at
// a time; acknowledgment advances the slot only after the coordinator has
// consumed the message.
type Dispatcher struct {
	conn        *pgconn.PgConn
	coord       *Coordinator
	store       StateStore
	slot        string
	publication string
	statusEvery time.Duration

	mu        sync.Mutex
	ackedLSN  wal.LSN
	streaming bool
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Conn          *pgconn.PgConn
	Coordinator   *Coordinator
	Store         StateStore
	Slot          string
	Publication   string
	StatusEvery   time.Duration // standby status update interval
	ResumeAckLSN  wal.LSN       // last acknowledged position from the state store
}

// NewDispatcher creates a dispatcher over an established replication
// connection (one opened with replication=database).
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	statusEvery := opts.StatusEvery
	if statusEvery <= 0 {
		statusEvery = 10 * time.Second
	}
	return &Dispatcher{
		conn:        opts.Conn,
		coord:       opts.Coordinator,
		store:       opts.Store,
		slot:        opts.Slot,
		publication: opts.Publication,
		statusEvery: statusEvery,
		ackedLSN:    opts.ResumeAckLSN,
	}
}

// Run starts streaming from the slot and blocks until the context is
// cancelled or the connection fails. Connection loss is fatal: the caller
// restarts the process and streaming resumes from the acknowledged LSN.
func (d *Dispatcher) Run(ctx context.Context) error {
	startLSN := pglogrepl.LSN(d.ackedLSN)
	err := pglogrepl.StartReplication(ctx, d.conn, d.slot, startLSN,
		pglogrepl.StartReplicationOptions{
			Mode: pglogrepl.LogicalReplication,
			PluginArgs: []string{
				`"pretty-print" 'false'`,
				`"format-version" '1'`,
			},
		})
	if err != nil {
		return fmt.Errorf("start replication on slot %s: %w", d.slot, err)
	}

	log.Info().
		Str("slot", d.slot).
		Str("publication", d.publication).
		Stringer("start_lsn", d.ackedLSN).
		Msg("Streaming started")
	d.setStreaming(true)
	defer d.setStreaming(false)

	nextStatus := time.Now().Add(d.statusEvery)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Now().After(nextStatus) {
			if err := d.sendStatus(ctx); err != nil {
				return err
			}
			nextStatus = time.Now().Add(d.statusEvery)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStatus)
		rawMsg, err := d.conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue // deadline hit, loop sends the periodic status
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("replication stream receive: %w", err)
		}

		switch msg := rawMsg.(type) {
		case *pgproto3.CopyData:
			if err := d.handleCopyData(ctx, msg.Data); err != nil {
				return err
			}
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("replication stream error: %s", msg.Message)
		default:
			// NoticeResponse and friends; nothing to do.
		}
	}
}

func (d *Dispatcher) handleCopyData(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		ka, err := pglogrepl.ParsePrimaryKeepaliveMessage(data[1:])
		if err != nil {
			return fmt.Errorf("parse keepalive: %w", err)
		}
		if ka.ReplyRequested {
			return d.sendStatus(ctx)
		}
		return nil

	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(data[1:])
		if err != nil {
			return fmt.Errorf("parse xlog data: %w", err)
		}
		return d.handleMessage(ctx, wal.LSN(xld.WALStart), xld.WALData)

	default:
		return nil
	}
}

// handleMessage decodes one wal2json message, drives the coordinator, and
// acknowledges the position. Acknowledgment tracks stream consumption, not
// replica application: buffered changes are covered by the durable buffer.
func (d *Dispatcher) handleMessage(ctx context.Context, msgLSN wal.LSN, payload []byte) error {
	set, err := wal.DecodeChangeSet(payload)
	if err != nil {
		// Not a change-set (wal2json emits empty frames for some records).
		log.Debug().Err(err).Stringer("lsn", msgLSN).Msg("Skipping undecodable stream payload")
		return nil
	}

	if err := d.coord.ProcessMessage(ctx, msgLSN, set); err != nil {
		return fmt.Errorf("process message at %s: %w", msgLSN, err)
	}
	telemetry.MessagesProcessed.Inc()

	d.mu.Lock()
	if msgLSN > d.ackedLSN {
		d.ackedLSN = msgLSN
	}
	ack := d.ackedLSN
	d.mu.Unlock()

	if err := d.store.SetLastAcked(ack); err != nil {
		return err
	}
	telemetry.LastAckedLSN.Set(float64(ack))
	return d.sendStatus(ctx)
}

// sendStatus reports the acknowledged position so the primary can discard
// WAL below it.
func (d *Dispatcher) sendStatus(ctx context.Context) error {
	d.mu.Lock()
	ack := pglogrepl.LSN(d.ackedLSN)
	d.mu.Unlock()

	err := pglogrepl.SendStandbyStatusUpdate(ctx, d.conn,
		pglogrepl.StandbyStatusUpdate{
			WALWritePosition: ack,
			WALFlushPosition: ack,
			WALApplyPosition: ack,
		})
	if err != nil {
		return fmt.Errorf("send standby status: %w", err)
	}
	return nil
}

func (d *Dispatcher) setStreaming(v bool) {
	d.mu.Lock()
	d.streaming = v
	d.mu.Unlock()
}

// Streaming reports whether the dispatcher currently holds the slot.
func (d *Dispatcher) Streaming() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streaming
}

// AckedLSN returns the last acknowledged stream position.
func (d *Dispatcher) AckedLSN() wal.LSN {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ackedLSN
}
