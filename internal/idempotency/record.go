package idempotency

import (
	"encoding/json"
	"time"

	"github.com/clipforge/ingestgate/internal/store"
)

// cachedRecord is the JSON form of a terminal record stored in the advisory
// cache tiers. Only terminal state is cached across tiers; processing locks
// are meaningful solely in the authoritative store.
type cachedRecord struct {
	Status      store.RecordStatus `json:"status"`
	Result      []byte             `json:"result,omitempty"`
	CompletedAt time.Time          `json:"completed_at"`
}

func encodeCached(status store.RecordStatus, result []byte, completedAt time.Time) []byte {
	raw, _ := json.Marshal(cachedRecord{
		Status:      status,
		Result:      result,
		CompletedAt: completedAt,
	})
	return raw
}

func decodeCached(raw []byte) (cachedRecord, bool) {
	var rec cachedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return cachedRecord{}, false
	}
	return rec, rec.Status.Terminal()
}

// processingMarker is the local-cache value marking an in-flight operation
// during a store outage. It suppresses duplicates within one worker when no
// shared tier can.
var processingMarker = []byte(`{"status":"processing"}`)
