package monitor_archiver

import (
	"math"
	"net/http"
	"time"

	"github.com/nostr-archive/archiver/src/utils/monitoring/report"
	"github.com/nostr-archive/archiver/src/utils/task"

	"github.com/gammazero/deque"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Stores and computes monitor counters
type Monitor struct {
	*task.Task

	Report report.Report

	historySize int
	collector   *Collector

	// Event saving speed
	EventsSaved *deque.Deque[uint64]
}

func NewMonitor() (self *Monitor) {
	self = new(Monitor)

	self.Report = report.Report{
		Run:      &report.RunReport{},
		Archiver: &report.ArchiverReport{},
	}

	self.Report.Run.State.StartTimestamp.Store(time.Now().Unix())

	self.collector = NewCollector().WithMonitor(self)

	self.Task = task.NewTask(nil, "monitor").
		WithPeriodicSubtaskFunc(time.Minute, self.monitorUptime).
		WithPeriodicSubtaskFunc(time.Minute, self.monitorEvents)
	return
}

func (self *Monitor) WithMaxHistorySize(maxHistorySize int) *Monitor {
	self.historySize = maxHistorySize
	self.EventsSaved = deque.New[uint64](self.historySize)
	return self
}

func (self *Monitor) GetReport() *report.Report {
	return &self.Report
}

func (self *Monitor) GetPrometheusCollector() (collector prometheus.Collector) {
	return self.collector
}

func round(f float64) float64 {
	return math.Round(f*100) / 100
}

func (self *Monitor) monitorUptime() (err error) {
	up := time.Now().Unix() - self.Report.Run.State.StartTimestamp.Load()
	if up > 0 {
		self.Report.Run.State.UpForSeconds.Store(uint64(up))
	}
	return
}

// Measure event saving speed
func (self *Monitor) monitorEvents() (err error) {
	loaded := self.Report.Archiver.State.EventsSaved.Load()

	self.EventsSaved.PushBack(loaded)
	if self.EventsSaved.Len() > self.historySize {
		self.EventsSaved.PopFront()
	}
	if self.EventsSaved.Len() < 2 {
		return
	}
	value := float64(self.EventsSaved.Back()-self.EventsSaved.Front()) / float64(self.EventsSaved.Len())
	self.Report.Archiver.State.AverageEventsSavedPerMinute.Store(round(value))
	return
}

// IsOK decides whether syncing still makes progress. Used by the
// watchdog to restart the whole pipeline.
func (self *Monitor) IsOK() bool {
	// Give the pipeline time to warm up
	if self.Report.Run.State.UpForSeconds.Load() < 900 {
		return true
	}

	// Nothing to sync is not a failure
	if self.Report.Archiver.State.RelaysKnown.Load() == 0 {
		return true
	}

	// Either events keep coming or sessions keep getting scheduled
	if self.Report.Archiver.State.AverageEventsSavedPerMinute.Load() > 0 {
		return true
	}
	return self.Report.Archiver.State.SessionsActive.Load() > 0
}

func (self *Monitor) OnGetState(c *gin.Context) {
	c.JSON(http.StatusOK, &self.Report)
}

func (self *Monitor) OnGetHealth(c *gin.Context) {
	if self.IsOK() {
		c.Status(http.StatusOK)
	} else {
		c.Status(http.StatusServiceUnavailable)
	}
}
