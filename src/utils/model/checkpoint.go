package model

import "time"

const TableCheckpoints = "checkpoints"

// Checkpoint is the durable resume cursor of one relay's streaming session.
// Cursor holds the highest created_at timestamp whose batch was committed,
// it is advanced in the same transaction as the batch itself and never
// moves backwards.
type Checkpoint struct {
	RelayId   int64 `gorm:"primaryKey"`
	Cursor    int64
	UpdatedAt time.Time
}

func (Checkpoint) TableName() string {
	return TableCheckpoints
}
