package index

import (
	"context"
	"sync"
	"time"

	"github.com/warptools/warpstore/pkg/logging"
	"github.com/warptools/warpstore/wsapi"
)

const LOG_TAG_INDEXER = "│  index"

type IndexerConfig struct {
	// BatchSize is the most messages applied in one transaction. Zero means 1024.
	BatchSize int
	// BatchTimeout bounds how long a partial batch waits for more. Zero means 100ms.
	BatchTimeout time.Duration
	// MaxAttempts bounds retries of a batch that failed with a retryable error.
	// Zero means 5.
	MaxAttempts int
	// Backoff is the first retry delay; it doubles per attempt. Zero means 100ms.
	Backoff time.Duration
	// QueueBatch is passed to HandleQueue after each batch. Zero drains the queue.
	QueueBatch int
}

func (cfg IndexerConfig) withDefaults() IndexerConfig {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1024
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 100 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	return cfg
}

// Indexer applies messages in the background. Producers Send encoded messages;
// Run batches them into HandleMessages calls and drains the recompute queue
// after each batch.
//
// A batch that keeps failing is dropped after MaxAttempts. Nothing is lost for
// good by that: messages are idempotent, so the same facts sent again converge.
type Indexer struct {
	idx  *Index
	cfg  IndexerConfig
	in   chan []byte
	once sync.Once
}

func NewIndexer(idx *Index, cfg IndexerConfig) *Indexer {
	cfg = cfg.withDefaults()
	return &Indexer{idx: idx, cfg: cfg, in: make(chan []byte, cfg.BatchSize)}
}

// Send encodes msg and hands it to the run loop.
// It blocks while the loop is a full batch behind.
//
// Errors:
//
//   - warpstore-error-serialization -- when the message can't be encoded
func (ix *Indexer) Send(ctx context.Context, msg wsapi.Message) error {
	b, err := msg.Encode(wsapi.FormatBinary)
	if err != nil {
		return err
	}
	select {
	case ix.in <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops intake. Run applies what it already has and returns.
func (ix *Indexer) Close() {
	ix.once.Do(func() { close(ix.in) })
}

// Run consumes messages until Close is called or ctx is done.
// It returns ctx.Err() on cancellation and nil after Close.
func (ix *Indexer) Run(ctx context.Context) error {
	log := logging.Ctx(ctx)
	var (
		batch   wsapi.Messages
		timeout <-chan time.Time
	)
	flush := func() {
		if batch.Len() > 0 {
			ix.apply(ctx, batch)
		}
		batch = wsapi.Messages{}
		timeout = nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok := <-ix.in:
			if !ok {
				flush()
				return nil
			}
			msg, err := wsapi.DecodeMessage(b)
			if err != nil {
				log.Warn(LOG_TAG_INDEXER, "discarding undecodable message: %s", err)
				continue
			}
			batch.Add(msg)
			if timeout == nil {
				timeout = time.After(ix.cfg.BatchTimeout)
			}
			if batch.Len() >= ix.cfg.BatchSize {
				flush()
			}
		case <-timeout:
			flush()
		}
	}
}

func (ix *Indexer) apply(ctx context.Context, batch wsapi.Messages) {
	log := logging.Ctx(ctx)
	delay := ix.cfg.Backoff
	for attempt := 1; ; attempt++ {
		err := ix.idx.HandleMessages(ctx, batch)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		if !wsapi.IsRetry(err) || attempt >= ix.cfg.MaxAttempts {
			log.Warn(LOG_TAG_INDEXER, "dropping batch of %d messages after %d attempts: %s", batch.Len(), attempt, err)
			return
		}
		log.Debug(LOG_TAG_INDEXER, "retrying batch in %s: %s", delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay *= 2
	}
	n, err := ix.idx.HandleQueue(ctx, ix.cfg.QueueBatch)
	if err != nil {
		log.Warn(LOG_TAG_INDEXER, "draining queue: %s", err)
		return
	}
	log.Debug(LOG_TAG_INDEXER, "applied %d messages, recomputed %d entries", batch.Len(), n)
}
