package monitor_prober

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Collector struct {
	monitor *Monitor

	SweepsFinished  *prometheus.Desc
	ProbesFinished  *prometheus.Desc
	RelaysReachable *prometheus.Desc
	InfoDocuments   *prometheus.Desc
	WriteProbes     *prometheus.Desc
	InfoFetchError  *prometheus.Desc
	ProbeDialError  *prometheus.Desc
	DbInsertError   *prometheus.Desc
}

func NewCollector() *Collector {
	labels := prometheus.Labels{
		"app": "prober",
	}

	return &Collector{
		SweepsFinished:  prometheus.NewDesc("sweeps_finished", "", nil, labels),
		ProbesFinished:  prometheus.NewDesc("probes_finished", "", nil, labels),
		RelaysReachable: prometheus.NewDesc("relays_reachable", "", nil, labels),
		InfoDocuments:   prometheus.NewDesc("info_documents", "", nil, labels),
		WriteProbes:     prometheus.NewDesc("write_probes", "", nil, labels),
		InfoFetchError:  prometheus.NewDesc("error_info_fetch", "", nil, labels),
		ProbeDialError:  prometheus.NewDesc("error_probe_dial", "", nil, labels),
		DbInsertError:   prometheus.NewDesc("error_db_insert", "", nil, labels),
	}
}

func (self *Collector) WithMonitor(m *Monitor) *Collector {
	self.monitor = m
	return self
}

func (self *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- self.SweepsFinished
	ch <- self.ProbesFinished
	ch <- self.RelaysReachable
	ch <- self.InfoDocuments
	ch <- self.WriteProbes
	ch <- self.InfoFetchError
	ch <- self.ProbeDialError
	ch <- self.DbInsertError
}

// Collect implements required collect function for all prometheus collectors
func (self *Collector) Collect(ch chan<- prometheus.Metric) {
	state := &self.monitor.Report.Prober.State
	errors := &self.monitor.Report.Prober.Errors

	ch <- prometheus.MustNewConstMetric(self.SweepsFinished, prometheus.CounterValue, float64(state.SweepsFinished.Load()))
	ch <- prometheus.MustNewConstMetric(self.ProbesFinished, prometheus.CounterValue, float64(state.ProbesFinished.Load()))
	ch <- prometheus.MustNewConstMetric(self.RelaysReachable, prometheus.GaugeValue, float64(state.RelaysReachable.Load()))
	ch <- prometheus.MustNewConstMetric(self.InfoDocuments, prometheus.CounterValue, float64(state.InfoDocuments.Load()))
	ch <- prometheus.MustNewConstMetric(self.WriteProbes, prometheus.CounterValue, float64(state.WriteProbes.Load()))
	ch <- prometheus.MustNewConstMetric(self.InfoFetchError, prometheus.CounterValue, float64(errors.InfoFetch.Load()))
	ch <- prometheus.MustNewConstMetric(self.ProbeDialError, prometheus.CounterValue, float64(errors.ProbeDial.Load()))
	ch <- prometheus.MustNewConstMetric(self.DbInsertError, prometheus.CounterValue, float64(errors.DbInsert.Load()))
}
