package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageCrawlStart      Stage = "CRAWL_START"
	StageCrawlDone       Stage = "CRAWL_DONE"
	StageCrawlAborted    Stage = "CRAWL_ABORTED"
	StagePageFetched     Stage = "PAGE_FETCHED"
	StagePageRetry       Stage = "PAGE_RETRY"
	StagePartitionDone   Stage = "PARTITION_DONE"
	StagePartitionFailed Stage = "PARTITION_FAILED"
	StageBatchFlushed    Stage = "BATCH_FLUSHED"
	StageBatchFailed     Stage = "BATCH_FAILED"
)

// Event captures one crawl milestone.
type Event struct {
	// RunID identifies the crawl run in 16-byte UUID form.
	RunID [16]byte
	TS    time.Time
	Stage Stage
	// Partition is the partition key for page and partition stages.
	Partition string
	// Records counts repositories fetched (page stages) or written (batch stages).
	Records int64
	Attempt int
	Dur     time.Duration
	// Note carries low-volume context such as error text or a completion reason.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageCrawlStart, StageCrawlDone, StageCrawlAborted, StageBatchFlushed, StageBatchFailed:
	case StagePageFetched, StagePageRetry, StagePartitionDone, StagePartitionFailed:
		if e.Partition == "" {
			return fmt.Errorf("%s requires partition", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Records < 0 {
		return errors.New("records must be >= 0")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// Emitter publishes individual events; Hub satisfies it.
type Emitter interface {
	Emit(evt Event)
}

// NopEmitter discards events.
type NopEmitter struct{}

// Emit implements Emitter.
func (NopEmitter) Emit(Event) {}

// RunEmitter stamps the run ID and timestamp onto events before forwarding.
type RunEmitter struct {
	RunID [16]byte
	Next  Emitter
	Now   func() time.Time
}

// Emit fills RunID and TS when unset and forwards the event.
func (r RunEmitter) Emit(evt Event) {
	if r.Next == nil {
		return
	}
	if evt.RunID == [16]byte{} {
		evt.RunID = r.RunID
	}
	if evt.TS.IsZero() {
		if r.Now != nil {
			evt.TS = r.Now()
		} else {
			evt.TS = time.Now().UTC()
		}
	}
	r.Next.Emit(evt)
}
