// Command meridiand runs one node's worth of active/active ingestion
// tasks for a single store-version: one Task per partition, sharing a
// raft engine for commit ordering, a chunking-aware sqlite storage
// engine, and a view fanout to any configured derived-view sinks.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"meridian/internal/broker"
	"meridian/internal/broker/kafka"
	"meridian/internal/chunking"
	"meridian/internal/clustermeta"
	"meridian/internal/config"
	"meridian/internal/domain"
	"meridian/internal/ingestion"
	"meridian/internal/keylock"
	"meridian/internal/merge"
	"meridian/internal/metrics"
	"meridian/internal/raftengine"
	"meridian/internal/repair"
	"meridian/internal/storage/sqlite"
	"meridian/internal/transient"
	"meridian/internal/viewfanout"
)

func main() {
	cfgPath := flag.String("config", "meridian.yaml", "path to config file")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("meridiand exited")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	rawStorage, err := sqlite.NewStore(cfg.Storage.BaseDir)
	if err != nil {
		return err
	}
	defer rawStorage.Close()
	storageEngine := chunking.New(rawStorage, cfg.Chunking.MaxChunkSize)

	coloIDs := map[domain.RegionID]string{}
	kafkaClusterIDs := map[domain.RegionID]string{}
	consumers := map[domain.RegionID]*kafka.Consumer{}
	for region, src := range cfg.Regions.Sources {
		regionID := domain.RegionID(region)
		// The current config schema identifies a region by its kafka
		// broker list alone; colo id and kafka cluster id are both
		// taken from the region name until deployments need them to
		// diverge (see clustermeta.Mapping).
		coloIDs[regionID] = region
		kafkaClusterIDs[regionID] = region

		consumer, err := kafka.NewConsumer(kafka.Config{Brokers: src.Kafka.Brokers, ClientID: src.Kafka.ClientID})
		if err != nil {
			return err
		}
		defer consumer.Close()
		consumers[regionID] = consumer
	}
	clusters := clustermeta.New(coloIDs, kafkaClusterIDs)

	localProducer, err := kafka.NewProducer(kafka.Config{
		Brokers: firstRegionBrokers(cfg),
	}, kgo.RecordPartitioner(kgo.ManualPartitioner()))
	if err != nil {
		return err
	}
	defer localProducer.Close()

	var fanoutWriters []viewfanout.ViewWriter
	if cfg.ViewFanout.AMQP.Enabled {
		w, err := viewfanout.NewAMQPViewWriter(viewfanout.AMQPConfig{
			Enabled:       true,
			URL:           cfg.ViewFanout.AMQP.URL,
			Exchange:      cfg.ViewFanout.AMQP.Exchange,
			RoutingPrefix: cfg.ViewFanout.AMQP.RoutingPrefix,
		})
		if err != nil {
			return err
		}
		if err := w.Connect(); err != nil {
			return err
		}
		defer w.Close()
		fanoutWriters = append(fanoutWriters, w)
	}
	fanout := viewfanout.New(fanoutWriters...)

	resolver := merge.NewResolver(merge.JSONWriteComputeDecoder{})
	locks := keylock.NewManager(256)
	cache := transient.New(nil)

	peerAddresses := make(map[uint64]string, len(cfg.Raft.PeerAddresses))
	for idStr, addr := range cfg.Raft.PeerAddresses {
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			return err
		}
		peerAddresses[id] = addr
	}

	// taskCtx is shared by every partition of this store-version: a
	// VersionFatalError from any one partition's task means the whole
	// version can no longer make progress, so cancelling taskCtx here
	// tears down every sibling partition goroutine along with it,
	// leaving the outer ctx (and process shutdown handling) untouched.
	taskCtx, cancelAllTasks := context.WithCancel(ctx)
	defer cancelAllTasks()
	versionFatal := make(chan error, 1)
	cancelTasks := func(err error) {
		select {
		case versionFatal <- err:
		default:
		}
		cancelAllTasks()
	}

	tasks := make(map[uint32]*ingestion.Task, cfg.Store.NumPartitions)
	applyDispatch := func(partition uint32, index uint64, cmd raftengine.Command) {
		if task, ok := tasks[partition]; ok {
			task.ApplyCommitted(partition, index, cmd)
		}
	}

	raftEngine, err := raftengine.NewEngine(raftengine.Config{
		NodeID:              cfg.Server.NodeID,
		Address:             cfg.Raft.Address,
		PeerAddresses:       peerAddresses,
		NumPartitions:       cfg.Store.NumPartitions,
		TickInterval:        cfg.Raft.TickInterval,
		Apply:               applyDispatch,
		BootstrapNewCluster: len(peerAddresses) == 1,
	})
	if err != nil {
		return err
	}
	raftEngine.Start()
	defer raftEngine.Stop()

	repairSvc := repair.NewService(&resubscriber{consumers: consumers}, cfg.Repair.BaseBackoff, cfg.Repair.MaxBackoff, cfg.Repair.MaxAttempts, logger)
	go repairSvc.Run(ctx)

	consumer := newFanInConsumer(cfg, consumers)

	for p := 0; p < cfg.Store.NumPartitions; p++ {
		partition := domain.PartitionID(p)
		task := ingestion.NewTask(ingestion.Config{
			Partition:     partition,
			NumPartitions: cfg.Store.NumPartitions,
			LocalTopic:    cfg.Store.LocalTopic,
			Sources:       regionSources(cfg),
			QuorumRegions: cfg.Store.QuorumRegions,
			RewindWindow:  cfg.Store.RewindWindow,
			Consumer:      consumer,
			Producer:      localProducer,
			OffsetTime:    firstOffsetResolver(consumers),
			Storage:       storageEngine,
			Resolver:      resolver,
			Locks:         locks,
			Cache:         cache,
			Fanout:        fanout,
			Raft:          raftEngine,
			Repair:        repairSvc,
			Clusters:      clusters,
			Logger:        logger.With().Int32("partition", int32(partition)).Logger(),
		})
		tasks[uint32(p)] = task

		if err := task.Start(taskCtx); err != nil {
			return err
		}
		go func() {
			err := task.Run(taskCtx)
			if err == nil || taskCtx.Err() != nil {
				return
			}
			var vfe *ingestion.VersionFatalError
			if errors.As(err, &vfe) {
				logger.Error().Err(err).Int32("partition", int32(partition)).Msg("version fatal error, stopping every partition of this store-version")
				cancelTasks(err)
				return
			}
			logger.Error().Err(err).Msg("partition task exited")
		}()
	}

	if cfg.Metrics.Enabled {
		srv := &http.Server{Addr: cfg.Metrics.Address, Handler: metrics.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server exited")
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-versionFatal:
		return err
	}
}

func regionSources(cfg config.Config) []ingestion.RegionSource {
	out := make([]ingestion.RegionSource, 0, len(cfg.Regions.Sources))
	for region, src := range cfg.Regions.Sources {
		out = append(out, ingestion.RegionSource{Region: domain.RegionID(region), Topic: src.Topic})
	}
	return out
}

func firstRegionBrokers(cfg config.Config) []string {
	for _, src := range cfg.Regions.Sources {
		return src.Kafka.Brokers
	}
	return nil
}

func firstOffsetResolver(consumers map[domain.RegionID]*kafka.Consumer) broker.OffsetTimeResolver {
	for _, c := range consumers {
		return c
	}
	return nil
}

// fanInConsumer fans Subscribe/Unsubscribe/Poll out across every
// region's own kafka client, since a partition's ingestion task reads
// from one real-time topic per region concurrently but the task loop
// only knows how to poll a single broker.PartitionedLog. Routing is
// keyed by topic name rather than region, since broker.PartitionedLog
// carries no region of its own — each configured region's topic name
// is expected to be unique across the whole deployment.
type fanInConsumer struct {
	byTopic map[string]*kafka.Consumer
}

func newFanInConsumer(cfg config.Config, consumers map[domain.RegionID]*kafka.Consumer) fanInConsumer {
	byTopic := make(map[string]*kafka.Consumer, len(cfg.Regions.Sources))
	for region, src := range cfg.Regions.Sources {
		byTopic[src.Topic] = consumers[domain.RegionID(region)]
	}
	return fanInConsumer{byTopic: byTopic}
}

func (f fanInConsumer) Subscribe(ctx context.Context, topic string, partition domain.PartitionID, offset int64) error {
	c, ok := f.byTopic[topic]
	if !ok {
		return fmt.Errorf("no kafka client configured for topic %q", topic)
	}
	return c.Subscribe(ctx, topic, partition, offset)
}

func (f fanInConsumer) Unsubscribe(topic string, partition domain.PartitionID) error {
	c, ok := f.byTopic[topic]
	if !ok {
		return nil
	}
	return c.Unsubscribe(topic, partition)
}

func (f fanInConsumer) Poll(ctx context.Context, maxRecords int) ([]domain.ConsumedRecord, error) {
	seen := make(map[*kafka.Consumer]bool, len(f.byTopic))
	var out []domain.ConsumedRecord
	for _, c := range f.byTopic {
		if c == nil || seen[c] {
			continue
		}
		seen[c] = true
		recs, err := c.Poll(ctx, maxRecords)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func (f fanInConsumer) Close() error {
	return nil
}

var _ broker.PartitionedLog = fanInConsumer{}

type resubscriber struct {
	consumers map[domain.RegionID]*kafka.Consumer
}

func (r *resubscriber) Resubscribe(ctx context.Context, task repair.Task) error {
	c, ok := r.consumers[task.Region]
	if !ok {
		return nil
	}
	offset, err := c.OffsetForTime(ctx, task.Topic, task.Partition, task.RewindTimestamp)
	if err != nil {
		return err
	}
	return c.Subscribe(ctx, task.Topic, task.Partition, offset)
}

var _ repair.Resubscriber = (*resubscriber)(nil)
