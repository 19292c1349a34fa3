// Package notify is the notification dispatcher: it takes a triggered
// alert rule, applies cooldown, quiet-hours and digest-preference logic,
// enriches the alert with deployment context, and fans delivery out to
// the rule's configured channels with per-channel failure isolation.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kluzzebass/errormonitor/internal/logging"
	"github.com/kluzzebass/errormonitor/internal/model"
	"github.com/kluzzebass/errormonitor/internal/notify/channels"
)

// Store is the slice of the Aggregation Store the Dispatcher needs:
// cooldown/escalation state, team member preferences, digest queueing, and
// deployment/incident context for enrichment.
type Store interface {
	GetNotificationState(ctx context.Context, kind model.NotificationStateKind, key string) (model.NotificationState, error)
	PutNotificationState(ctx context.Context, st model.NotificationState) error
	ListTeamMembers(ctx context.Context, projectID uuid.UUID, activeOnly bool) ([]model.TeamMember, error)
	EnqueueDigestEntry(ctx context.Context, e model.DigestEntry) error
	RecentDeployments(ctx context.Context, projectID uuid.UUID, since time.Time) ([]model.Deployment, error)
}

const (
	maxChannelConcurrency = 8
	attemptBudget         = 60 * time.Second
	maxAttempts           = 4
)

// Dispatcher applies cooldown, quiet-hours, digest-cadence and
// member-preference logic, enriches triggered alerts with deployment and
// incident context, and fans the result out to every channel a rule
// configures, isolating one channel's failure from the rest.
type Dispatcher struct {
	store    Store
	channels map[model.ChannelType]channels.Channel
	log      *slog.Logger
	now      func() time.Time
}

// NewDispatcher builds a Dispatcher. chs maps each supported channel type to
// its adapter; a rule referencing an unconfigured channel type gets an
// error in that channel's ChannelResult instead of a panic.
func NewDispatcher(store Store, chs []channels.Channel, logger *slog.Logger) *Dispatcher {
	byType := make(map[model.ChannelType]channels.Channel, len(chs))
	for _, c := range chs {
		byType[c.Type()] = c
	}
	return &Dispatcher{
		store:    store,
		channels: byType,
		log:      logging.Default(logger).With("component", "notify.dispatcher"),
		now:      time.Now,
	}
}

// ChannelResult records the outcome of dispatching to one configured channel.
type ChannelResult struct {
	Type      model.ChannelType
	Target    string
	Accepted  bool
	Err       error
	Retryable bool
}

// Result is the outcome of one Dispatch call across every configured channel.
type Result struct {
	Suppressed      bool // cooldown still active
	Immediate       []string
	QueuedForDigest []string
	Channels        []ChannelResult
}

// cooldownKey is (ruleId, fingerprint, env).
func cooldownKey(ruleID uuid.UUID, fingerprint, environment string) string {
	return fmt.Sprintf("%s:%s:%s", ruleID, fingerprint, environment)
}

// Dispatch applies pre-fire cooldown filtering, then fans the alert out to
// every channel configured on rule, isolating per-channel failures.
func (d *Dispatcher) Dispatch(ctx context.Context, rule model.AlertRule, alert model.AlertSnapshot) (Result, error) {
	key := cooldownKey(rule.ID, alert.Fingerprint, alert.Environment)
	state, err := d.store.GetNotificationState(ctx, model.StateCooldown, key)
	if err != nil {
		return Result{}, fmt.Errorf("read cooldown state: %w", err)
	}
	now := d.now()
	if !state.LastFireAt.IsZero() && state.LastFireAt.Add(time.Duration(rule.CooldownMinutes)*time.Minute).After(now) {
		d.log.Debug("suppressed by cooldown", "rule", rule.ID, "fingerprint", alert.Fingerprint)
		return Result{Suppressed: true}, nil
	}

	alert = d.enrich(ctx, rule, alert)

	res := Result{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxChannelConcurrency)

	type chanOutcome = dispatchOneOutcome
	outcomes := make([]chanOutcome, len(rule.Channels))

	for i, cfg := range rule.Channels {
		i, cfg := i, cfg
		g.Go(func() error {
			outcomes[i] = d.dispatchOne(gctx, rule, alert, cfg)
			return nil
		})
	}
	_ = g.Wait() // per-channel errors are isolated in outcomes, never propagated here

	var lastErr error
	delivered := false
	for _, o := range outcomes {
		res.Immediate = append(res.Immediate, o.immediate...)
		res.QueuedForDigest = append(res.QueuedForDigest, o.digest...)
		if len(o.immediate) > 0 || len(o.digest) > 0 {
			delivered = true
		}
		if o.result.Type != "" {
			res.Channels = append(res.Channels, o.result)
			if o.result.Accepted {
				delivered = true
			}
			if o.result.Err != nil {
				lastErr = o.result.Err
			}
		}
	}

	// The fire time is recorded only when at least one channel delivered;
	// a dispatch in which every channel failed leaves the cooldown as it was.
	if delivered {
		if err := d.store.PutNotificationState(ctx, model.NotificationState{
			Kind: model.StateCooldown, Key: key, LastFireAt: now,
		}); err != nil {
			return res, fmt.Errorf("record cooldown fire time: %w", err)
		}
	}
	_ = lastErr // channel errors are reported only via ChannelResult.Err; nothing updates rule.LastErrorMessage
	return res, nil
}

type dispatchOneOutcome struct {
	immediate []string
	digest    []string
	result    ChannelResult
}

func (d *Dispatcher) dispatchOne(ctx context.Context, rule model.AlertRule, alert model.AlertSnapshot, cfg model.ChannelConfig) dispatchOneOutcome {
	if cfg.Type == model.ChannelEmail {
		return d.dispatchEmail(ctx, rule, alert, cfg)
	}

	ch, ok := d.channels[cfg.Type]
	if !ok {
		return dispatchOneOutcome{result: ChannelResult{
			Type: cfg.Type, Target: cfg.Target,
			Err: fmt.Errorf("channel type %s not configured", cfg.Type),
		}}
	}

	outcome, err := retrySend(ctx, func(ctx context.Context) (channels.SendOutcome, error) {
		return ch.Send(ctx, alert, cfg.Target, cfg.Options)
	})
	return dispatchOneOutcome{
		result: ChannelResult{
			Type: cfg.Type, Target: cfg.Target,
			Accepted: outcome.Accepted, Err: err, Retryable: outcome.Retryable,
		},
	}
}

// dispatchEmail resolves the target to one or more team members and, per
// member, picks immediate delivery, digest queueing, or quiet-hours
// deferral.
func (d *Dispatcher) dispatchEmail(ctx context.Context, rule model.AlertRule, alert model.AlertSnapshot, cfg model.ChannelConfig) dispatchOneOutcome {
	members, err := d.store.ListTeamMembers(ctx, rule.ProjectID, true)
	if err != nil {
		return dispatchOneOutcome{result: ChannelResult{Type: cfg.Type, Target: cfg.Target, Err: fmt.Errorf("list team members: %w", err)}}
	}

	targets := splitTargets(cfg.Target)
	var out dispatchOneOutcome
	ch, haveEmail := d.channels[model.ChannelEmail]

	for _, m := range members {
		if !matchesTarget(m.Email, targets) {
			continue
		}

		if inQuietHours(m.Preferences.Email.QuietHours, d.now()) || m.Preferences.Email.Mode == model.ModeDigest {
			entry := model.DigestEntry{
				ID: uuid.New(), MemberID: m.ID, RuleID: rule.ID, Alert: alert, CreatedAt: d.now(),
			}
			if err := d.store.EnqueueDigestEntry(ctx, entry); err != nil {
				out.result.Err = fmt.Errorf("enqueue digest entry for %s: %w", m.Email, err)
				continue
			}
			out.digest = append(out.digest, m.Email)
			continue
		}

		if !haveEmail {
			out.result.Err = fmt.Errorf("email channel not configured")
			continue
		}
		_, err := retrySend(ctx, func(ctx context.Context) (channels.SendOutcome, error) {
			return ch.Send(ctx, alert, m.Email, cfg.Options)
		})
		if err != nil {
			out.result.Err = err
			continue
		}
		out.immediate = append(out.immediate, m.Email)
	}

	out.result.Type = cfg.Type
	out.result.Target = cfg.Target
	out.result.Accepted = out.result.Err == nil
	return out
}

func splitTargets(target string) []string {
	parts := strings.Split(target, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func matchesTarget(email string, targets []string) bool {
	if len(targets) == 0 {
		return true // empty target means "every active member"
	}
	for _, t := range targets {
		if strings.EqualFold(email, t) {
			return true
		}
	}
	return false
}

// inQuietHours reports whether now (converted to the member's timezone)
// falls within [start, end), handling the overnight-wrap case where
// start > end (e.g. 22:00-07:00).
func inQuietHours(qh model.QuietHours, now time.Time) bool {
	if !qh.Enabled {
		return false
	}
	loc, err := time.LoadLocation(qh.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	cur := local.Hour()*60 + local.Minute()

	start, ok1 := parseHHMM(qh.Start)
	end, ok2 := parseHHMM(qh.End)
	if !ok1 || !ok2 {
		return false
	}
	if start == end {
		return false
	}
	if start < end {
		return cur >= start && cur < end
	}
	// Overnight window, e.g. 22:00 -> 07:00.
	return cur >= start || cur < end
}

func parseHHMM(s string) (int, bool) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// retrySend retries a retryable SendOutcome with exponential backoff,
// bounded by maxAttempts and attemptBudget total wall-clock.
func retrySend(ctx context.Context, fn func(ctx context.Context) (channels.SendOutcome, error)) (channels.SendOutcome, error) {
	deadline := time.Now().Add(attemptBudget)
	backoff := 500 * time.Millisecond

	var outcome channels.SendOutcome
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		outcome, err = fn(ctx)
		if err == nil || !outcome.Retryable {
			return outcome, err
		}
		if attempt == maxAttempts || time.Now().Add(backoff).After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return outcome, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return outcome, err
}
