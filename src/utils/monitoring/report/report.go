package report

type Report struct {
	Run      *RunReport      `json:"run,omitempty"`
	Archiver *ArchiverReport `json:"archiver,omitempty"`
	Prober   *ProberReport   `json:"prober,omitempty"`
}
