package domain

import "time"

// AttemptStatus is the lifecycle of one (agent, phone) dial attempt record.
type AttemptStatus string

const (
	AttemptPending    AttemptStatus = "pending"
	AttemptInitiated  AttemptStatus = "initiated"
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptCompleted  AttemptStatus = "completed"
	AttemptFailed     AttemptStatus = "failed"
	AttemptNoAnswer   AttemptStatus = "no_answer"
)

// Lead is a contact supplied by an external lead source. Read-only to the
// core; only the phone number is required.
type Lead struct {
	ID    string            `json:"id"`
	Phone string            `json:"phone"`
	Name  string            `json:"name,omitempty"`
	Email string            `json:"email,omitempty"`
	Meta  map[string]string `json:"meta,omitempty"`
}

// CallAttempt tracks how many times an agent has dialed one phone number.
// The (agent_id, lead_phone) pair is unique; attempt_count is only ever
// mutated with an atomic conditional increment so concurrent workers cannot
// push it past Agent.MaxCallsPerContact.
type CallAttempt struct {
	ID              uint          `json:"id" gorm:"primaryKey;autoIncrement"`
	AgentID         string        `json:"agent_id" gorm:"type:uuid;not null;uniqueIndex:idx_agent_phone"`
	LeadPhone       string        `json:"lead_phone" gorm:"type:varchar(32);not null;uniqueIndex:idx_agent_phone"`
	AttemptCount    int           `json:"attempt_count" gorm:"default:0"`
	LastAttemptTime time.Time     `json:"last_attempt_time"`
	Status          AttemptStatus `json:"status" gorm:"type:varchar(16);default:'pending'"`
	CreatedAt       time.Time     `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt       time.Time     `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName sets the table name for CallAttempt.
func (CallAttempt) TableName() string {
	return "call_attempts"
}

// CallLog is the audit record written when a call reaches a terminal status.
type CallLog struct {
	ID           uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	AgentID      string    `json:"agent_id" gorm:"type:uuid;not null;index"`
	ContactPhone string    `json:"contact_phone" gorm:"type:varchar(32)"`
	ContactName  string    `json:"contact_name" gorm:"type:varchar(255)"`
	CallDate     time.Time `json:"call_date"`
	CallDuration int       `json:"call_duration" gorm:"default:0"`
	CallOutcome  string    `json:"call_outcome" gorm:"type:varchar(32)"`
	LeadSource   string    `json:"lead_source" gorm:"type:varchar(64)"`
	Notes        string    `json:"notes" gorm:"type:text"`
	Recording    string    `json:"recording" gorm:"type:text"`
	CreatedAt    time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName sets the table name for CallLog.
func (CallLog) TableName() string {
	return "call_logs"
}

// DashboardStat holds per-agent per-day counters. At most one row per
// (agent_id, date); every write is an upsert increment.
type DashboardStat struct {
	ID                uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	AgentID           string    `json:"agent_id" gorm:"type:uuid;not null;uniqueIndex:idx_agent_date"`
	Date              string    `json:"date" gorm:"type:varchar(10);not null;uniqueIndex:idx_agent_date"`
	DialsCount        int       `json:"dials_count" gorm:"default:0"`
	ConversationCount int       `json:"conversation_count" gorm:"default:0"`
	AppointmentsSet   int       `json:"appointments_set" gorm:"default:0"`
	CreatedAt         time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt         time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName sets the table name for DashboardStat.
func (DashboardStat) TableName() string {
	return "dashboard_stats"
}

// DialJob is one unit of work on the dispatch queue. Retries counts
// no-answer re-enqueues so a job can never loop forever.
type DialJob struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	Lead       Lead      `json:"lead"`
	Retries    int       `json:"retries"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// StatusCallback is the terminal call status delivered by the telephony
// provider's asynchronous webhook.
type StatusCallback struct {
	CallStatus          string `json:"callStatus"`
	AgentID             string `json:"agentId"`
	ContactID           string `json:"contactId"`
	ToPhone             string `json:"toPhone"`
	CallDurationSeconds int    `json:"callDurationSeconds"`
}

// BookingIntent is the structured side-channel the response generator emits
// when the model signals an appointment booking. Forwarded verbatim to the
// calendar collaborator.
type BookingIntent struct {
	Action  string `json:"action"`
	Email   string `json:"email"`
	Time    string `json:"time"`
	Details string `json:"details"`
}
