package models

// Unreachable is the latency sentinel for a candidate that failed every
// probe or was never probed.
const Unreachable float64 = -1

// ServerDefinition describes one measurement server. The JSON and YAML
// names match the librespeed server list format.
type ServerDefinition struct {
	Name         string `json:"name" yaml:"name"`
	BaseURL      string `json:"server" yaml:"server"`
	DownloadPath string `json:"dlURL" yaml:"dlURL"`
	UploadPath   string `json:"ulURL" yaml:"ulURL"`
	PingPath     string `json:"pingURL" yaml:"pingURL"`
	IPLookupPath string `json:"getIpURL" yaml:"getIpURL"`
}

func (s *ServerDefinition) DownloadURL() string { return s.BaseURL + s.DownloadPath }
func (s *ServerDefinition) UploadURL() string   { return s.BaseURL + s.UploadPath }
func (s *ServerDefinition) PingURL() string     { return s.BaseURL + s.PingPath }
func (s *ServerDefinition) IPLookupURL() string { return s.BaseURL + s.IPLookupPath }

// Candidate is a server under consideration during one selection run.
type Candidate struct {
	Server        *ServerDefinition
	BestLatencyMs float64
}

func NewCandidate(server *ServerDefinition) *Candidate {
	return &Candidate{Server: server, BestLatencyMs: Unreachable}
}

// Reachable reports whether at least one probe succeeded.
func (c *Candidate) Reachable() bool {
	return c != nil && c.BestLatencyMs != Unreachable
}
