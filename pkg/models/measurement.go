package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Measurement is the persisted outcome of one finished test run.
type Measurement struct {
	bun.BaseModel `bun:"table:measurements,alias:m"`

	ID         uuid.UUID `bun:",pk,type:uuid"`
	Time       time.Time `bun:",notnull"`
	ServerName string
	ServerURL  string
	ClientIP   string
	ClientASN  string
	ClientOrg  string
	Download   float64         `bun:",notnull"`
	Upload     float64         `bun:",notnull"`
	Ping       float64         `bun:",notnull"`
	Jitter     float64         `bun:",notnull"`
	Aborted    bool            `bun:",notnull"`
	Extra      json.RawMessage `bun:",type:jsonb"`
	CreatedAt  time.Time       `bun:",nullzero,notnull,default:current_timestamp"`
}

// NewMeasurement builds a record from the final snapshot of a run. server
// may be nil when the test ran against explicitly configured URLs.
func NewMeasurement(id uuid.UUID, server *ServerDefinition, last StatusSnapshot, aborted bool, extra json.RawMessage) *Measurement {
	m := &Measurement{
		ID:        id,
		Time:      time.Now().UTC(),
		ClientIP:  last.ClientIP,
		ClientASN: last.ClientASN,
		ClientOrg: last.ClientOrg,
		Download:  last.DlStatus,
		Upload:    last.UlStatus,
		Ping:      last.PingStatus,
		Jitter:    last.JitterStatus,
		Aborted:   aborted,
		Extra:     extra,
	}
	if server != nil {
		m.ServerName = server.Name
		m.ServerURL = server.BaseURL
	}
	return m
}
