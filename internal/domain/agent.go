package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// BotStatus is the dialing lifecycle state of an agent.
type BotStatus string

const (
	BotStatusStopped BotStatus = "stopped"
	BotStatusRunning BotStatus = "running"
	BotStatusPaused  BotStatus = "paused"
)

// Weekdays is a JSONB-backed set of lowercase weekday names
// ("monday" ... "sunday").
type Weekdays []string

// Value implements driver.Valuer for JSONB storage.
func (w Weekdays) Value() (driver.Value, error) {
	if w == nil {
		return "[]", nil
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (w *Weekdays) Scan(value interface{}) error {
	if value == nil {
		*w = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for Weekdays: %T", value)
	}
	return json.Unmarshal(data, w)
}

// Contains reports whether day (lowercase weekday name) is in the set.
func (w Weekdays) Contains(day string) bool {
	for _, d := range w {
		if d == day {
			return true
		}
	}
	return false
}

// Agent owns one calling policy: an instruction profile for the language
// model plus the admission limits the dispatch engine enforces.
type Agent struct {
	ID                 string    `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	Name               string    `json:"name" gorm:"type:varchar(255);not null"`
	Instruction        string    `json:"instruction" gorm:"type:text"`
	Greeting           string    `json:"greeting" gorm:"type:text"`
	DialLimit          int       `json:"dial_limit" gorm:"default:0"`
	MaxCallsPerContact int       `json:"max_calls_per_contact" gorm:"default:0"`
	CallTimeStart      int       `json:"call_time_start" gorm:"default:9"`
	CallTimeEnd        int       `json:"call_time_end" gorm:"default:17"`
	CallDays           Weekdays  `json:"call_days" gorm:"type:jsonb"`
	DoubleDialNoAnswer bool      `json:"double_dial_no_answer" gorm:"default:false"`
	BotStatus          BotStatus `json:"bot_status" gorm:"type:varchar(16);default:'stopped'"`
	VoiceID            string    `json:"voice_id" gorm:"type:varchar(255)"`
	MinutesUsed        int       `json:"minutes_used" gorm:"default:0"`
	MonthlyMinuteLimit int       `json:"monthly_minute_limit" gorm:"default:0"`
	Timezone           string    `json:"timezone" gorm:"type:varchar(64);default:'America/New_York'"`
	CreatedAt          time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt          time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName sets the table name for Agent.
func (Agent) TableName() string {
	return "agents"
}

// Active reports whether the agent may dial at all.
func (a *Agent) Active() bool {
	return a.BotStatus == BotStatusRunning
}

// Location resolves the agent's timezone, falling back to America/New_York.
func (a *Agent) Location() *time.Location {
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil || a.Timezone == "" {
		loc, _ = time.LoadLocation("America/New_York")
	}
	return loc
}
