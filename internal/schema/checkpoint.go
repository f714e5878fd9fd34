package schema

import "fmt"

// DataType enumerates the historical series kinds the ingestion pipeline handles.
type DataType string

const (
	// DataTypeKline is 1-minute OHLCV candles.
	DataTypeKline DataType = "kline"
	// DataTypeMarkPrice is 1-minute mark-price candles.
	DataTypeMarkPrice DataType = "mark_price"
	// DataTypeFundingRate is realized funding observations.
	DataTypeFundingRate DataType = "funding_rate"
	// DataTypeOpenInterest is 5-minute open-interest samples.
	DataTypeOpenInterest DataType = "open_interest"
	// DataTypeAggTrade is venue-aggregated public trades.
	DataTypeAggTrade DataType = "agg_trade"
)

// Valid reports whether the data type is a known series kind.
func (d DataType) Valid() bool {
	switch d {
	case DataTypeKline, DataTypeMarkPrice, DataTypeFundingRate, DataTypeOpenInterest, DataTypeAggTrade:
		return true
	default:
		return false
	}
}

// CheckpointStatus enumerates ingestion task states.
type CheckpointStatus string

const (
	// CheckpointPending marks a task that has not started.
	CheckpointPending CheckpointStatus = "pending"
	// CheckpointRunning marks a task currently downloading.
	CheckpointRunning CheckpointStatus = "running"
	// CheckpointCompleted marks a task that reached its end time.
	CheckpointCompleted CheckpointStatus = "completed"
	// CheckpointFailed marks a task aborted by an error.
	CheckpointFailed CheckpointStatus = "failed"
)

// Checkpoint is the durable resume marker for one (venue, symbol, dataType) task.
//
// LastTimestamp is monotonically non-decreasing per key while the status is
// running or completed; a failed checkpoint may leave it unchanged but must
// carry ErrorMessage.
type Checkpoint struct {
	Venue           string           `json:"venue"`
	Symbol          string           `json:"symbol"`
	DataType        DataType         `json:"dataType"`
	LastTimestamp   int64            `json:"lastTimestamp"`
	UpdatedAt       int64            `json:"updatedAt"`
	Status          CheckpointStatus `json:"status"`
	DownloadedCount int64            `json:"downloadedCount"`
	ErrorMessage    string           `json:"errorMessage,omitempty"`
}

// Key renders the unique checkpoint identity.
func (c Checkpoint) Key() string {
	return CheckpointKey(c.Venue, c.Symbol, c.DataType)
}

// CheckpointKey renders the unique identity for a task tuple.
func CheckpointKey(venue, symbol string, dataType DataType) string {
	return fmt.Sprintf("%s:%s:%s", venue, symbol, dataType)
}
