// Package model defines the core data types of the error-monitoring
// backend: projects, memberships, error groups, occurrences, alert rules,
// and the supporting records the pipeline and dashboard API operate on.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ProjectStatus is the lifecycle state of a Project.
type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "active"
	ProjectDisabled ProjectStatus = "disabled"
)

// ScrubPolicy toggles which named PII categories get redacted before
// persistence and fingerprinting.
type ScrubPolicy struct {
	RemoveEmails bool `json:"removeEmails"`
	RemovePhones bool `json:"removePhones"`
	RemoveIPs    bool `json:"removeIPs"`
}

// Project is a tenant: it owns groups, occurrences, rules, schedules and
// members, all scoped by ID. No cross-project references exist anywhere
// in the data model.
type Project struct {
	ID            uuid.UUID     `json:"id"`
	Name          string        `json:"name"`
	Status        ProjectStatus `json:"status"`
	APIKeyHash    string        `json:"-"`             // sha256 of the raw key, never exposed
	APIKeyPreview string        `json:"apiKeyPreview"` // last 6-8 chars, safe to display
	Scrub         ScrubPolicy   `json:"scrubPolicy"`
	RetentionDays int           `json:"retentionDays"` // 1..365, default 90
	CreatedAt     time.Time     `json:"createdAt"`
}

// Role grants a member capabilities scoped to a single project.
type Role string

const (
	RoleViewer    Role = "viewer"
	RoleDeveloper Role = "developer"
	RoleAdmin     Role = "admin"
)

// Atleast reports whether r grants at least the capabilities of min.
func (r Role) Atleast(min Role) bool {
	rank := map[Role]int{RoleViewer: 0, RoleDeveloper: 1, RoleAdmin: 2}
	return rank[r] >= rank[min]
}

// User is an authenticated principal. Memberships are resolved separately
// via the registry (User <-> Project is many-to-many).
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Membership binds a user to a project with a role.
type Membership struct {
	UserID    uuid.UUID `json:"userId"`
	ProjectID uuid.UUID `json:"projectId"`
	Role      Role      `json:"role"`
}

// GroupStatus is a node in the status DAG:
// new -> open -> investigating -> resolved, ignored reachable from any
// non-terminal state, resolved|ignored -> open permitted (reopen).
type GroupStatus string

const (
	StatusNew           GroupStatus = "new"
	StatusOpen          GroupStatus = "open"
	StatusInvestigating GroupStatus = "investigating"
	StatusResolved      GroupStatus = "resolved"
	StatusIgnored       GroupStatus = "ignored"
)

// AllowedStatusTransitions is the status DAG. CanTransition below is
// the single source of truth consumers should call.
var AllowedStatusTransitions = map[GroupStatus][]GroupStatus{
	StatusNew:           {StatusOpen, StatusIgnored},
	StatusOpen:          {StatusInvestigating, StatusIgnored},
	StatusInvestigating: {StatusResolved, StatusIgnored},
	StatusResolved:      {StatusOpen, StatusIgnored},
	StatusIgnored:       {StatusOpen},
}

// CanTransition reports whether from -> to is an allowed status transition.
func CanTransition(from, to GroupStatus) bool {
	if from == to {
		return true
	}
	for _, allowed := range AllowedStatusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AssignmentEvent records one span of a member owning a group.
type AssignmentEvent struct {
	MemberID     *uuid.UUID `json:"memberId"`
	AssignedAt   time.Time  `json:"assignedAt"`
	UnassignedAt *time.Time `json:"unassignedAt,omitempty"`
}

// ErrorGroup is the aggregated row for one fingerprint within one project.
type ErrorGroup struct {
	ID                uuid.UUID         `json:"id"`
	ProjectID         uuid.UUID         `json:"projectId"`
	Fingerprint       string            `json:"fingerprint"`
	Message           string            `json:"message"`
	StackTrace        string            `json:"stackTrace"`
	Environment       string            `json:"environment"`
	Severity          string            `json:"severity"`
	FirstSeen         time.Time         `json:"firstSeen"`
	LastSeen          time.Time         `json:"lastSeen"`
	Count             int64             `json:"count"`
	Status            GroupStatus       `json:"status"`
	AssignedTo        *uuid.UUID        `json:"assignedTo"`
	AssignmentHistory []AssignmentEvent `json:"assignmentHistory"`
}

// UserContext is the scrubbed identity/session snapshot attached to an Occurrence.
type UserContext struct {
	ID      string `json:"id,omitempty"`
	Email   string `json:"email,omitempty"`
	IP      string `json:"ip,omitempty"`
	Segment string `json:"segment,omitempty"`
}

// Occurrence is one immutable ingested event, many-to-one with its ErrorGroup.
type Occurrence struct {
	ID          uuid.UUID      `json:"id"`
	ErrorID     uuid.UUID      `json:"errorId"`
	ProjectID   uuid.UUID      `json:"projectId"`
	Fingerprint string         `json:"fingerprint"`
	Timestamp   time.Time      `json:"timestamp"`
	Message     string         `json:"message"`
	StackTrace  string         `json:"stackTrace"`
	UserContext UserContext    `json:"userContext"`
	Metadata    map[string]any `json:"metadata"`
	Environment string         `json:"environment"`
	SessionID   string         `json:"sessionId,omitempty"`
}

// RuleType selects the evaluation strategy for an AlertRule.
type RuleType string

const (
	RuleThreshold RuleType = "threshold"
	RuleSpike     RuleType = "spike"
	RuleNewError  RuleType = "new_error"
	RuleCritical  RuleType = "critical"
)

// ChannelType identifies a notification transport.
type ChannelType string

const (
	ChannelEmail   ChannelType = "email"
	ChannelWebhook ChannelType = "webhook"
	ChannelSlack   ChannelType = "slack"
	ChannelDiscord ChannelType = "discord"
	ChannelTeams   ChannelType = "teams"
)

// ChannelConfig is one rule's configured destination for one channel type.
type ChannelConfig struct {
	Type    ChannelType       `json:"type"`
	Target  string            `json:"target"`
	Options map[string]string `json:"options,omitempty"`
}

// RuleConditions holds the type-specific trigger parameters. Only the
// fields relevant to Type are populated; see alert.Evaluate.
type RuleConditions struct {
	Threshold       int64   `json:"threshold,omitempty"`
	WindowMinutes   int     `json:"windowMinutes,omitempty"`
	BaselineMinutes int     `json:"baselineMinutes,omitempty"`
	IncreasePercent float64 `json:"increasePercent,omitempty"`
	Severity        string  `json:"severity,omitempty"`
	Fingerprint     string  `json:"fingerprint,omitempty"`
}

// AlertRule is a tagged variant over RuleType, with a scope filter, a
// cooldown, and an ordered list of channels.
type AlertRule struct {
	ID               uuid.UUID       `json:"id"`
	ProjectID        uuid.UUID       `json:"projectId"`
	Name             string          `json:"name"`
	Type             RuleType        `json:"type"`
	Enabled          bool            `json:"enabled"`
	CooldownMinutes  int             `json:"cooldownMinutes"`
	Conditions       RuleConditions  `json:"conditions"`
	Environments     []string        `json:"environments,omitempty"`
	Scope            *ScopeFilter    `json:"scope,omitempty"`
	Channels         []ChannelConfig `json:"channels"`
	LastErrorMessage string          `json:"lastErrorMessage,omitempty"`
}

// ScopeOp is the boolean combinator for an internal ScopeFilter node.
type ScopeOp string

const (
	ScopeAnd ScopeOp = "and"
	ScopeOr  ScopeOp = "or"
)

// ScopeOperator is a leaf comparison operator.
type ScopeOperator string

const (
	OpEquals     ScopeOperator = "equals"
	OpContains   ScopeOperator = "contains"
	OpStartsWith ScopeOperator = "startsWith"
	OpIn         ScopeOperator = "in"
	OpNot        ScopeOperator = "not"
)

// ScopeFilter is a node in the boolean filter tree. A leaf has
// Field/Operator/Value set; an internal node has Op/Conditions set.
type ScopeFilter struct {
	// Leaf fields.
	Field    string        `json:"field,omitempty"`
	Operator ScopeOperator `json:"operator,omitempty"`
	Value    any           `json:"value,omitempty"`

	// Internal node fields.
	Op         ScopeOp        `json:"op,omitempty"`
	Conditions []*ScopeFilter `json:"conditions,omitempty"`
}

// IsLeaf reports whether this node is a comparison leaf rather than a
// boolean combinator.
func (f *ScopeFilter) IsLeaf() bool {
	return f != nil && f.Op == ""
}
