package model

import (
	"time"

	"github.com/lib/pq"
)

const (
	TableMetadataPayloads     = "metadata_payloads"
	TableMetadataObservations = "metadata_observations"
)

type ObservationKind string

const (
	// NIP-11 relay information document
	ObservationInfo ObservationKind = "info"

	// Measured connectivity round trips
	ObservationProbe ObservationKind = "probe"
)

// MetadataPayload is the deduplicated body of a relay's self-reported
// capability document. Identical payloads observed on different relays
// or at different times share one row, keyed by content hash.
type MetadataPayload struct {
	Hash          string        `gorm:"primaryKey"`
	Document      Document      `gorm:"type:jsonb"`
	SupportedNips pq.Int64Array `gorm:"type:integer[]"`
}

func (MetadataPayload) TableName() string {
	return TableMetadataPayloads
}

// MetadataObservation is the lightweight pointer row recording when a
// given payload was observed on a given relay.
type MetadataObservation struct {
	Id          int64 `gorm:"primaryKey"`
	RelayId     int64
	PayloadHash string
	Kind        ObservationKind
	GeneratedAt time.Time

	// Round trips in milliseconds, null when not measured
	RttOpenMs  *int64
	RttReadMs  *int64
	RttWriteMs *int64
}

func (MetadataObservation) TableName() string {
	return TableMetadataObservations
}
