package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/translicate/translicate/admin"
	"github.com/translicate/translicate/cfg"
	"github.com/translicate/translicate/publisher"
	"github.com/translicate/translicate/repl"
	"github.com/translicate/translicate/state"
	"github.com/translicate/translicate/telemetry"
)

func main() {
	flag.Parse()

	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic("invalid configuration: " + err.Error())
	}

	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).With().Timestamp().Logger()
	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Translicate - Postgres logical replication applier")

	if cfg.Config.Prometheus.Enabled {
		telemetry.Initialize()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("Replication stopped")
	}
	log.Info().Msg("Shutdown complete")
}

func run(ctx context.Context) error {
	store, err := state.Open(cfg.Config.State.Dir)
	if err != nil {
		return err
	}
	defer store.Close()

	ddlLSN, err := store.LastAppliedDDL()
	if err != nil {
		return err
	}
	ackLSN, err := store.LastAcked()
	if err != nil {
		return err
	}
	buffer, err := store.LoadBuffer()
	if err != nil {
		return err
	}
	log.Info().
		Stringer("applied_ddl_lsn", ddlLSN).
		Stringer("acked_lsn", ackLSN).
		Int("buffered", len(buffer)).
		Msg("Recovered replication state")

	primary, err := pgx.Connect(ctx, cfg.Config.Primary.DSN)
	if err != nil {
		return err
	}
	defer primary.Close(context.Background())

	replica, err := pgx.Connect(ctx, cfg.Config.Replica.DSN)
	if err != nil {
		return err
	}
	defer replica.Close(context.Background())

	if err := repl.CheckReplicationSlot(ctx, primary, cfg.Config.Replication.SlotName); err != nil {
		return err
	}

	streamConn, err := pgconn.Connect(ctx, replicationDSN(cfg.Config.Primary.DSN))
	if err != nil {
		return err
	}
	defer streamConn.Close(context.Background())

	var observer repl.AppliedObserver
	var worker *publisher.Worker
	if cfg.Config.Publisher.Enabled {
		worker, err = newPublisherWorker()
		if err != nil {
			return err
		}
		worker.Start()
		defer worker.Stop()
		observer = worker
	}

	var ignore repl.TableFilter
	if len(cfg.Config.Replication.IgnoreTables) > 0 {
		filter, err := publisher.NewGlobFilter(cfg.Config.Replication.IgnoreTables)
		if err != nil {
			return err
		}
		ignore = filter
	}

	classifier := repl.NewAdminClassifier(cfg.Config.Replication.DDLLogTable)
	replayer := repl.NewDDLReplayer(
		repl.NewPGDDLSource(primary, cfg.Config.Replication.DDLLogTable),
		replica, classifier)
	applier := repl.NewDMLApplier(replica)
	sequences := repl.NewSequenceSynchronizer(
		repl.NewPGSequenceCatalog(replica), replica,
		time.Duration(cfg.Config.Replication.SequenceCacheSeconds)*time.Second)

	coordinator := repl.NewCoordinator(repl.CoordinatorOptions{
		DDLReplayer:  replayer,
		DMLApplier:   applier,
		Sequences:    sequences,
		Store:        store,
		IgnoreTables: ignore,
		Observer:     observer,
		DDLLogTable:  cfg.Config.Replication.DDLLogTable,
		ResumeDDLLSN: ddlLSN,
		ResumeBuffer: buffer,
	})

	dispatcher := repl.NewDispatcher(repl.DispatcherOptions{
		Conn:         streamConn,
		Coordinator:  coordinator,
		Store:        store,
		Slot:         cfg.Config.Replication.SlotName,
		Publication:  cfg.Config.Replication.PublicationName,
		StatusEvery:  time.Duration(cfg.Config.Replication.StatusIntervalSeconds) * time.Second,
		ResumeAckLSN: ackLSN,
	})

	if cfg.Config.Admin.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port)
		server := admin.NewServer(addr, &statusProvider{coord: coordinator, disp: dispatcher})
		server.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Admin shutdown failed")
			}
		}()
	}

	return dispatcher.Run(ctx)
}

func newPublisherWorker() (*publisher.Worker, error) {
	var sink publisher.Sink
	var err error
	switch cfg.Config.Publisher.Sink {
	case "nats":
		sink, err = publisher.NewNatsSink(cfg.Config.Publisher.NatsURL)
	case "kafka":
		sink, err = publisher.NewKafkaSink(cfg.Config.Publisher.Brokers)
	}
	if err != nil {
		return nil, err
	}

	var filter publisher.Filter
	if len(cfg.Config.Publisher.Tables) > 0 {
		filter, err = publisher.NewGlobFilter(cfg.Config.Publisher.Tables)
		if err != nil {
			sink.Close()
			return nil, err
		}
	}

	return publisher.NewWorker(sink, filter,
		cfg.Config.Publisher.TopicPrefix, cfg.Config.Publisher.QueueSize), nil
}

// replicationDSN adds the parameter that switches the connection into
// logical replication mode.
func replicationDSN(dsn string) string {
	if strings.Contains(dsn, "replication=database") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&replication=database"
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return dsn + "?replication=database"
	}
	return dsn + " replication=database"
}

type statusProvider struct {
	coord *repl.Coordinator
	disp  *repl.Dispatcher
}

func (p *statusProvider) ReplicationStatus() admin.Status {
	cs := p.coord.Status()
	return admin.Status{
		Streaming:      p.disp.Streaming(),
		LastAckedLSN:   p.disp.AckedLSN().String(),
		LastAppliedDDL: cs.LastAppliedDDL.String(),
		BufferDepth:    cs.BufferDepth,
	}
}
