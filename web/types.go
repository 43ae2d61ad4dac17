package web

// MonitorStatus is the body of GET /api/monitor and the result of start
// and stop calls.
type MonitorStatus struct {
	State     string `json:"state"`
	Target    string `json:"target"`
	Error     string `json:"error,omitempty"`
	Clients   int    `json:"clients"`
	Delivered uint64 `json:"delivered"`
	Matched   uint64 `json:"matched"`
}

// SimulateRequest is the body of POST /api/simulate.
type SimulateRequest struct {
	ProcessName  string   `json:"processName"`
	ProcessNames []string `json:"processNames"`
}

// Names returns every requested name in order.
func (r SimulateRequest) Names() []string {
	var names []string
	if r.ProcessName != "" {
		names = append(names, r.ProcessName)
	}
	return append(names, r.ProcessNames...)
}

// RuleInfo describes one Sigma rule file.
type RuleInfo struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Level       string   `json:"level"`
	Tags        []string `json:"tags,omitempty"`
	Filename    string   `json:"filename"`
	Enabled     bool     `json:"enabled"`
}
