package quota

import (
	"encoding/json"
	"strconv"
)

// Source names the tier that produced a decision.
type Source string

// Decision sources.
const (
	SourceLocalCache  Source = "LOCAL_CACHE"
	SourceSharedStore Source = "SHARED_STORE"
	SourceLedger      Source = "LEDGER"
)

// tier is the metrics label for s.
func (s Source) tier() string {
	switch s {
	case SourceLocalCache:
		return "local"
	case SourceSharedStore:
		return "shared"
	default:
		return "ledger"
	}
}

// Key identifies a caller's usage within one period.
type Key struct {
	CallerID string
	Period   int64
}

func (k Key) String() string {
	return k.CallerID + ":" + strconv.FormatInt(k.Period, 10)
}

// Record is the locally cached view of a period's usage.
type Record struct {
	Source  Source `json:"source"`
	Limit   int64  `json:"limit"`
	Used    int64  `json:"used"`
	Version int64  `json:"version"`
}

// Remaining returns the tokens still grantable, never negative.
func (r Record) Remaining() int64 {
	return remaining(r.Limit, r.Used)
}

func (r Record) encode() ([]byte, error) {
	return json.Marshal(r)
}

func decodeRecord(data []byte) (Record, error) {
	var r Record
	err := json.Unmarshal(data, &r)
	return r, err
}

// Reservation is the outcome of TryReserve.
type Reservation struct {
	Source    Source
	Remaining int64
	Used      int64
	Granted   bool
}

// Decision is a backing store's answer to a conditional consume.
type Decision struct {
	Used    int64
	Granted bool
}

func remaining(limit, used int64) int64 {
	if used >= limit {
		return 0
	}
	return limit - used
}
