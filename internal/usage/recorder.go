package usage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/renderledger/pkg/ledger"
	"go.uber.org/zap"
)

const (
	defaultBufferSize    = 1024
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
	flushTimeout         = 5 * time.Second
)

// ErrNilStore is returned when the recorder has nowhere to write.
var ErrNilStore = errors.New("usage store is nil")

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger used for persistence failures.
func WithLogger(logger *zap.Logger) Option {
	return func(recorder *Recorder) {
		if logger != nil {
			recorder.logger = logger
		}
	}
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(recorder *Recorder) {
		if now != nil {
			recorder.now = now
		}
	}
}

// WithBatching configures the asynchronous buffer used after Start.
func WithBatching(bufferSize int, batchSize int, flushInterval time.Duration) Option {
	return func(recorder *Recorder) {
		if bufferSize > 0 {
			recorder.bufferSize = bufferSize
		}
		if batchSize > 0 {
			recorder.batchSize = batchSize
		}
		if flushInterval > 0 {
			recorder.flushInterval = flushInterval
		}
	}
}

// Recorder writes usage events. Until Start is called every event is
// written synchronously; afterwards events are batched by a background
// worker. Write failures are logged and never returned to callers.
type Recorder struct {
	store         Store
	logger        *zap.Logger
	now           func() time.Time
	bufferSize    int
	batchSize     int
	flushInterval time.Duration

	mutex   sync.RWMutex
	started bool
	buffer  chan Event
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewRecorder constructs a Recorder over store.
func NewRecorder(store Store, options ...Option) (*Recorder, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	recorder := &Recorder{
		store:         store,
		logger:        zap.NewNop(),
		now:           time.Now,
		bufferSize:    defaultBufferSize,
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
	}
	for _, option := range options {
		if option != nil {
			option(recorder)
		}
	}
	return recorder, nil
}

// Start launches the batching worker. Calling Start twice is a no-op.
func (recorder *Recorder) Start() {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	if recorder.started {
		return
	}
	recorder.buffer = make(chan Event, recorder.bufferSize)
	recorder.stop = make(chan struct{})
	recorder.started = true
	recorder.wg.Add(1)
	go recorder.flushWorker(recorder.buffer, recorder.stop)
	recorder.logger.Info("usage recorder started",
		zap.Int("buffer_size", recorder.bufferSize),
		zap.Int("batch_size", recorder.batchSize),
		zap.Duration("flush_interval", recorder.flushInterval),
	)
}

// Close flushes buffered events and stops the worker. Later events are
// written synchronously.
func (recorder *Recorder) Close() {
	recorder.mutex.Lock()
	if !recorder.started {
		recorder.mutex.Unlock()
		return
	}
	recorder.started = false
	stop := recorder.stop
	recorder.mutex.Unlock()
	close(stop)
	recorder.wg.Wait()
}

// Record stores an event, filling in its id and timestamp when empty.
func (recorder *Recorder) Record(ctx context.Context, event Event) {
	if event.ID == "" {
		eventID, err := NewEventID()
		if err != nil {
			recorder.logger.Error("usage event id", zap.Error(err))
			return
		}
		event.ID = eventID
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = recorder.now().UTC()
	}

	recorder.mutex.RLock()
	if recorder.started {
		select {
		case recorder.buffer <- event:
			recorder.mutex.RUnlock()
			return
		default:
			recorder.logger.Warn("usage buffer full, writing synchronously", zap.String("event_type", string(event.Type)))
		}
	}
	recorder.mutex.RUnlock()
	recorder.write(ctx, []Event{event})
}

// LogOperation turns applied ledger operations into credit events.
func (recorder *Recorder) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID.String()),
		zap.String("render_id", entry.RenderID.String()),
		zap.String("amount", entry.Amount.String()),
		zap.String("delta", entry.Delta.String()),
		zap.Bool("applied", entry.Applied),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		recorder.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	recorder.logger.Debug("ledger operation", fields...)
	if !entry.Applied {
		return
	}
	eventType, ok := eventTypeForOperation(entry)
	if !ok {
		return
	}
	metadata := entry.Metadata.
		With(MetadataKeyAmount, entry.Amount.String()).
		With(MetadataKeyDelta, entry.Delta.Neg().String()).
		With(MetadataKeyReason, entry.Reason.String())
	recorder.Record(ctx, Event{
		AccountID: entry.AccountID.String(),
		RenderID:  entry.RenderID.String(),
		Type:      eventType,
		Metadata:  metadata,
	})
}

// eventTypeForOperation maps a committed operation to its event. Delta is
// the balance change: an adjustment that takes more credits is another
// reservation, one that returns credits is a refund. Finalization is always
// a capture; its delta travels in the metadata.
func eventTypeForOperation(entry ledger.OperationLog) (EventType, bool) {
	switch entry.Operation {
	case ledger.OperationReserve:
		return EventCreditReserved, true
	case ledger.OperationAdjust:
		if entry.Delta.IsPositive() {
			return EventCreditRefunded, true
		}
		return EventCreditReserved, true
	case ledger.OperationFinalize:
		return EventCreditCaptured, true
	case ledger.OperationRelease:
		return EventCreditReleased, true
	case ledger.OperationGrant:
		return EventCreditPurchased, true
	default:
		return "", false
	}
}

func (recorder *Recorder) write(ctx context.Context, events []Event) {
	if err := recorder.store.InsertUsageEvents(ctx, events); err != nil {
		recorder.logger.Error("usage events write failed", zap.Int("count", len(events)), zap.Error(err))
	}
}

func (recorder *Recorder) flushWorker(buffer <-chan Event, stop <-chan struct{}) {
	defer recorder.wg.Done()
	ticker := time.NewTicker(recorder.flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, recorder.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		recorder.write(ctx, batch)
		batch = make([]Event, 0, recorder.batchSize)
	}

	for {
		select {
		case <-stop:
			for {
				select {
				case event := <-buffer:
					batch = append(batch, event)
					if len(batch) >= recorder.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case event := <-buffer:
			batch = append(batch, event)
			if len(batch) >= recorder.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
