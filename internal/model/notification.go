package model

import (
	"time"

	"github.com/google/uuid"
)

// NotificationStateKind distinguishes the two keyspaces sharing the
// AlertNotificationState collection.
type NotificationStateKind string

const (
	StateCooldown   NotificationStateKind = "cooldown"
	StateEscalation NotificationStateKind = "escalation"
)

// NotificationState is keyed by (Kind, Key) where Key is typically
// "<ruleId>:<fingerprint>:<environment>". For cooldown it records the
// last successful fire time; for escalation, the current level and the
// next check time.
type NotificationState struct {
	Kind            NotificationStateKind `json:"kind"`
	Key             string                `json:"key"`
	LastFireAt      time.Time             `json:"lastFireAt,omitempty"`
	EscalationLevel int                   `json:"escalationLevel,omitempty"`
	NextCheckAt     time.Time             `json:"nextCheckAt,omitempty"`
}

// AlertSnapshot is the enriched, renderable form of a triggered alert. It is
// carried by value into digest entries so it stays valid even if the rule
// it came from is later edited or deleted.
type AlertSnapshot struct {
	RuleID           uuid.UUID    `json:"ruleId"`
	RuleName         string       `json:"ruleName"`
	ProjectID        uuid.UUID    `json:"projectId"`
	Fingerprint      string       `json:"fingerprint"`
	Reason           string       `json:"reason"`
	Message          string       `json:"message"`
	Environment      string       `json:"environment"`
	Severity         string       `json:"severity"`
	OccurrenceCount  int64        `json:"occurrenceCount"`
	WhyItMatters     string       `json:"whyItMatters"`
	NextSteps        []string     `json:"nextSteps"`
	Deployments      []Deployment `json:"deployments,omitempty"`
	SimilarIncidents []uuid.UUID  `json:"similarIncidents,omitempty"`
	DetectedAt       time.Time    `json:"detectedAt"`
}

// DigestMode selects between immediate delivery and batched delivery.
type DigestMode string

const (
	ModeImmediate DigestMode = "immediate"
	ModeDigest    DigestMode = "digest"
)

// DigestCadence is how often queued digest entries are flushed.
type DigestCadence string

const (
	CadenceDaily  DigestCadence = "daily"
	CadenceWeekly DigestCadence = "weekly"
)

// QuietHours is a per-member daily window (in the member's timezone)
// during which immediate notifications are deferred to digest.
type QuietHours struct {
	Enabled  bool   `json:"enabled"`
	Start    string `json:"start"` // "HH:MM"
	End      string `json:"end"`   // "HH:MM"
	Timezone string `json:"timezone"`
}

// EmailPreferences controls how a TeamMember receives email alerts.
type EmailPreferences struct {
	Mode       DigestMode    `json:"mode"`
	QuietHours QuietHours    `json:"quietHours"`
	Cadence    DigestCadence `json:"digestCadence"`
	LastSentAt time.Time     `json:"digestLastSentAt,omitempty"`
}

// AlertPreferences wraps the per-channel-kind preference sets. Only email
// has digest/quiet-hours semantics; other channels fan out as-is.
type AlertPreferences struct {
	Email EmailPreferences `json:"email"`
}

// TeamMember is a notification recipient scoped to one project.
type TeamMember struct {
	ID          uuid.UUID        `json:"id"`
	ProjectID   uuid.UUID        `json:"projectId"`
	Name        string           `json:"name"`
	Email       string           `json:"email"`
	Role        Role             `json:"role,omitempty"`
	Active      bool             `json:"active"`
	AvatarColor string           `json:"avatarColor"`
	Preferences AlertPreferences `json:"alertPreferences"`
}

// DigestEntry is a single queued alert awaiting batched delivery to one member.
type DigestEntry struct {
	ID          uuid.UUID     `json:"id"`
	MemberID    uuid.UUID     `json:"memberId"`
	RuleID      uuid.UUID     `json:"ruleId"`
	Alert       AlertSnapshot `json:"alertSnapshot"`
	CreatedAt   time.Time     `json:"createdAt"`
	Processed   bool          `json:"processed"`
	ProcessedAt time.Time     `json:"processedAt,omitempty"`
}

// Deployment is an external marker consumed for alert enrichment and
// analytics; the pipeline never mutates it.
type Deployment struct {
	ID        uuid.UUID         `json:"id"`
	ProjectID uuid.UUID         `json:"projectId"`
	Label     string            `json:"label"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ScheduleStatus is the lifecycle state of a ReportSchedule.
type ScheduleStatus string

const (
	ScheduleActive ScheduleStatus = "active"
	SchedulePaused ScheduleStatus = "paused"
)

// ReportCadence is the recurrence for a ReportSchedule.
type ReportCadence string

const (
	CadenceReportWeekly  ReportCadence = "weekly"
	CadenceReportMonthly ReportCadence = "monthly"
)

// ReportSchedule declares when and how a report should be produced. Actual
// rendering is an external collaborator; this only models the
// scheduling state machine.
type ReportSchedule struct {
	ID          uuid.UUID      `json:"id"`
	ProjectID   uuid.UUID      `json:"projectId"`
	Status      ScheduleStatus `json:"status"`
	Cadence     ReportCadence  `json:"cadence"`
	Weekday     time.Weekday   `json:"weekday,omitempty"`    // only for weekly
	DayOfMonth  int            `json:"dayOfMonth,omitempty"` // only for monthly, clamped to month length
	HourUTC     int            `json:"hourUTC"`
	MinuteUTC   int            `json:"minuteUTC"`
	Format      string         `json:"format"`
	Recipients  []string       `json:"recipients"`
	NextRunAt   time.Time      `json:"nextRunAt"`
	LastRunAt   time.Time      `json:"lastRunAt,omitempty"`
	LastClaimAt time.Time      `json:"lastClaimAt,omitempty"` // CAS guard against double-claim
}

// RunStatus is the lifecycle of a single ReportRun.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// ReportRun is a produced (or attempted) report artifact.
type ReportRun struct {
	ID          uuid.UUID `json:"id"`
	ScheduleID  uuid.UUID `json:"scheduleId,omitempty"` // empty for on-demand runs
	ProjectID   uuid.UUID `json:"projectId"`
	Status      RunStatus `json:"status"`
	Error       string    `json:"error,omitempty"`
	FileRef     string    `json:"fileRef,omitempty"`
	SizeBytes   int64     `json:"sizeBytes,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	ShareToken  string    `json:"shareToken,omitempty"`
	ShareExpiry time.Time `json:"shareExpiry,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
}
