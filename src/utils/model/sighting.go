package model

import "time"

const TableSightings = "sightings"

// Sighting records the first observation of an event on a relay.
// Re-observing the same (event, relay) pair is a no-op.
type Sighting struct {
	EventId string `gorm:"primaryKey"`
	RelayId int64  `gorm:"primaryKey"`
	SeenAt  time.Time
}

func (Sighting) TableName() string {
	return TableSightings
}

// SeenEvent is one unit of work flowing from a relay session towards the database
type SeenEvent struct {
	Event   *Event
	RelayId int64
	SeenAt  time.Time
}
