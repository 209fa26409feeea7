package monitor_archiver

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Collector struct {
	monitor *Monitor

	RelaysKnown     *prometheus.Desc
	SessionsActive  *prometheus.Desc
	SessionsStarted *prometheus.Desc
	SessionsClean   *prometheus.Desc

	EventsReceived     *prometheus.Desc
	EventsDeduplicated *prometheus.Desc
	EventsSaved        *prometheus.Desc
	RelaysDiscovered   *prometheus.Desc
	PoolConnsOpen      *prometheus.Desc

	SessionDial       *prometheus.Desc
	SessionProtocol   *prometheus.Desc
	EventValidation   *prometheus.Desc
	SessionErrorFlood *prometheus.Desc
	DbFlush           *prometheus.Desc
	BatchesAbandoned  *prometheus.Desc
	PoolExhausted     *prometheus.Desc
	DbUnavailable     *prometheus.Desc
	WatchdogRestarts  *prometheus.Desc
}

func NewCollector() *Collector {
	labels := prometheus.Labels{
		"app": "archiver",
	}

	return &Collector{
		RelaysKnown:     prometheus.NewDesc("relays_known", "", nil, labels),
		SessionsActive:  prometheus.NewDesc("sessions_active", "", nil, labels),
		SessionsStarted: prometheus.NewDesc("sessions_started", "", nil, labels),
		SessionsClean:   prometheus.NewDesc("sessions_clean", "", nil, labels),

		EventsReceived:     prometheus.NewDesc("events_received", "", nil, labels),
		EventsDeduplicated: prometheus.NewDesc("events_deduplicated", "", nil, labels),
		EventsSaved:        prometheus.NewDesc("events_saved", "", nil, labels),
		RelaysDiscovered:   prometheus.NewDesc("relays_discovered", "", nil, labels),
		PoolConnsOpen:      prometheus.NewDesc("pool_conns_open", "", nil, labels),

		SessionDial:       prometheus.NewDesc("error_session_dial", "", nil, labels),
		SessionProtocol:   prometheus.NewDesc("error_session_protocol", "", nil, labels),
		EventValidation:   prometheus.NewDesc("error_event_validation", "", nil, labels),
		SessionErrorFlood: prometheus.NewDesc("error_session_error_flood", "", nil, labels),
		DbFlush:           prometheus.NewDesc("error_db_flush", "", nil, labels),
		BatchesAbandoned:  prometheus.NewDesc("error_batches_abandoned", "", nil, labels),
		PoolExhausted:     prometheus.NewDesc("error_pool_exhausted", "", nil, labels),
		DbUnavailable:     prometheus.NewDesc("error_db_unavailable", "", nil, labels),
		WatchdogRestarts:  prometheus.NewDesc("num_watchdog_restarts", "", nil, labels),
	}
}

func (self *Collector) WithMonitor(m *Monitor) *Collector {
	self.monitor = m
	return self
}

func (self *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- self.RelaysKnown
	ch <- self.SessionsActive
	ch <- self.SessionsStarted
	ch <- self.SessionsClean
	ch <- self.EventsReceived
	ch <- self.EventsDeduplicated
	ch <- self.EventsSaved
	ch <- self.RelaysDiscovered
	ch <- self.PoolConnsOpen
	ch <- self.SessionDial
	ch <- self.SessionProtocol
	ch <- self.EventValidation
	ch <- self.SessionErrorFlood
	ch <- self.DbFlush
	ch <- self.BatchesAbandoned
	ch <- self.PoolExhausted
	ch <- self.DbUnavailable
	ch <- self.WatchdogRestarts
}

// Collect implements required collect function for all prometheus collectors
func (self *Collector) Collect(ch chan<- prometheus.Metric) {
	state := &self.monitor.Report.Archiver.State
	errors := &self.monitor.Report.Archiver.Errors

	ch <- prometheus.MustNewConstMetric(self.RelaysKnown, prometheus.GaugeValue, float64(state.RelaysKnown.Load()))
	ch <- prometheus.MustNewConstMetric(self.SessionsActive, prometheus.GaugeValue, float64(state.SessionsActive.Load()))
	ch <- prometheus.MustNewConstMetric(self.SessionsStarted, prometheus.CounterValue, float64(state.SessionsStarted.Load()))
	ch <- prometheus.MustNewConstMetric(self.SessionsClean, prometheus.CounterValue, float64(state.SessionsClean.Load()))
	ch <- prometheus.MustNewConstMetric(self.EventsReceived, prometheus.CounterValue, float64(state.EventsReceived.Load()))
	ch <- prometheus.MustNewConstMetric(self.EventsDeduplicated, prometheus.CounterValue, float64(state.EventsDeduplicated.Load()))
	ch <- prometheus.MustNewConstMetric(self.EventsSaved, prometheus.CounterValue, float64(state.EventsSaved.Load()))
	ch <- prometheus.MustNewConstMetric(self.RelaysDiscovered, prometheus.CounterValue, float64(state.RelaysDiscovered.Load()))
	ch <- prometheus.MustNewConstMetric(self.PoolConnsOpen, prometheus.GaugeValue, float64(state.PoolConnsOpen.Load()))
	ch <- prometheus.MustNewConstMetric(self.SessionDial, prometheus.CounterValue, float64(errors.SessionDial.Load()))
	ch <- prometheus.MustNewConstMetric(self.SessionProtocol, prometheus.CounterValue, float64(errors.SessionProtocol.Load()))
	ch <- prometheus.MustNewConstMetric(self.EventValidation, prometheus.CounterValue, float64(errors.EventValidation.Load()))
	ch <- prometheus.MustNewConstMetric(self.SessionErrorFlood, prometheus.CounterValue, float64(errors.SessionErrorFlood.Load()))
	ch <- prometheus.MustNewConstMetric(self.DbFlush, prometheus.CounterValue, float64(errors.DbFlush.Load()))
	ch <- prometheus.MustNewConstMetric(self.BatchesAbandoned, prometheus.CounterValue, float64(errors.BatchesAbandoned.Load()))
	ch <- prometheus.MustNewConstMetric(self.PoolExhausted, prometheus.CounterValue, float64(errors.PoolExhausted.Load()))
	ch <- prometheus.MustNewConstMetric(self.DbUnavailable, prometheus.CounterValue, float64(errors.DbUnavailable.Load()))
	ch <- prometheus.MustNewConstMetric(self.WatchdogRestarts, prometheus.CounterValue, float64(self.monitor.Report.Run.Errors.NumWatchdogRestarts.Load()))
}
