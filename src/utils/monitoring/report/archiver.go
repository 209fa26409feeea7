package report

import (
	"go.uber.org/atomic"
)

type ArchiverState struct {
	RelaysKnown     atomic.Int64  `json:"relays_known"`
	RelaysDemoted   atomic.Int64  `json:"relays_demoted"`
	SessionsActive  atomic.Int64  `json:"sessions_active"`
	SessionsStarted atomic.Uint64 `json:"sessions_started"`
	SessionsClean   atomic.Uint64 `json:"sessions_clean"`

	EventsReceived     atomic.Uint64 `json:"events_received"`
	EventsDeduplicated atomic.Uint64 `json:"events_deduplicated"`
	EventsSaved        atomic.Uint64 `json:"events_saved"`
	RelaysDiscovered   atomic.Uint64 `json:"relays_discovered"`

	AverageEventsSavedPerMinute atomic.Float64 `json:"average_events_saved_per_minute"`
	LastEventSeenTimestamp      atomic.Int64   `json:"last_event_seen_timestamp"`

	PoolConnsOpen atomic.Int64 `json:"pool_conns_open"`
}

type ArchiverErrors struct {
	SessionDial       atomic.Uint64 `json:"session_dial"`
	SessionProtocol   atomic.Uint64 `json:"session_protocol"`
	EventValidation   atomic.Uint64 `json:"event_validation"`
	SessionErrorFlood atomic.Uint64 `json:"session_error_flood"`
	DbFlush           atomic.Uint64 `json:"db_flush"`
	BatchesAbandoned  atomic.Uint64 `json:"batches_abandoned"`
	PoolExhausted     atomic.Uint64 `json:"pool_exhausted"`
	DbUnavailable     atomic.Uint64 `json:"db_unavailable"`
}

type ArchiverReport struct {
	State  ArchiverState  `json:"state"`
	Errors ArchiverErrors `json:"errors"`
}
