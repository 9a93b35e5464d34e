package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerIngest runs the discovery, consolidation and persistence pipeline.
	TaskLedgerIngest = "ledger:ingest"
)

// ingestUniqueTTL keeps a second ingest from queueing while one is pending.
const ingestUniqueTTL = time.Hour

// IngestPayload scopes one ingest run. Zero values fall back to configuration.
type IngestPayload struct {
	Limit int `json:"limit,omitempty"`
}

// NewIngestTask constructs the ingest task.
func NewIngestTask(payload IngestPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIngest, data,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(3),
		asynq.Timeout(2*time.Hour),
		asynq.Unique(ingestUniqueTTL),
	), nil
}
