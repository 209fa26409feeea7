package model

import "time"

const TableRelays = "relays"

type Network string

const (
	// Relays reachable directly
	NetworkClear Network = "clear"

	// Relays reachable only through a Tor proxy
	NetworkTor Network = "tor"
)

// Relay is a known endpoint of the network.
// Rows are created upon first discovery and never deleted automatically.
type Relay struct {
	Id      int64  `gorm:"primaryKey"`
	Url     string `gorm:"uniqueIndex"`
	Network Network

	FirstSeen time.Time

	// Advanced on any successful contact, never moves backwards
	LastSeen time.Time
}

func (Relay) TableName() string {
	return TableRelays
}
