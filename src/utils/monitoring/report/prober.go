package report

import (
	"go.uber.org/atomic"
)

type ProberState struct {
	SweepsFinished  atomic.Uint64 `json:"sweeps_finished"`
	ProbesFinished  atomic.Uint64 `json:"probes_finished"`
	RelaysReachable atomic.Int64  `json:"relays_reachable"`
	InfoDocuments   atomic.Uint64 `json:"info_documents"`
	WriteProbes     atomic.Uint64 `json:"write_probes"`
}

type ProberErrors struct {
	InfoFetch atomic.Uint64 `json:"info_fetch"`
	ProbeDial atomic.Uint64 `json:"probe_dial"`
	DbInsert  atomic.Uint64 `json:"db_insert"`
}

type ProberReport struct {
	State  ProberState  `json:"state"`
	Errors ProberErrors `json:"errors"`
}
