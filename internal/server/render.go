package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kluzzebass/errormonitor/internal/model"
	"github.com/kluzzebass/errormonitor/internal/notify/channels"
	"github.com/kluzzebass/errormonitor/internal/store"
)

// Renderer produces a ReportRun artifact for a due or on-demand schedule:
// a CSV summary of the project's top errors written under reportsDir and
// e-mailed to the schedule's recipients.
type Renderer struct {
	store      *store.Store
	email      *channels.Email
	reportsDir string
	now        func() time.Time
}

func NewRenderer(st *store.Store, email *channels.Email, reportsDir string) *Renderer {
	return &Renderer{store: st, email: email, reportsDir: reportsDir, now: time.Now}
}

// Render satisfies schedule.ReportRenderer: it builds a CSV artifact from
// the project's current top errors and overview counts, writes it under
// reportsDir, mails it to the schedule's recipients, and returns the
// completed run. A mail failure does not fail the run: the artifact still
// exists and can be downloaded from the dashboard.
func (r *Renderer) Render(ctx context.Context, sched model.ReportSchedule) (model.ReportRun, error) {
	now := r.now()
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	overview, err := r.store.AnalyticsOverview(ctx, sched.ProjectID, todayStart)
	if err != nil {
		return model.ReportRun{}, fmt.Errorf("render report: load overview: %w", err)
	}
	top, err := r.store.TopErrors(ctx, sched.ProjectID, 25)
	if err != nil {
		return model.ReportRun{}, fmt.Errorf("render report: load top errors: %w", err)
	}

	body := renderCSV(top)
	fileName := fmt.Sprintf("%s-%s.csv", sched.ProjectID, now.UTC().Format("20060102T150405Z"))

	var fileRef string
	if r.reportsDir != "" {
		if err := os.MkdirAll(r.reportsDir, 0o750); err != nil {
			return model.ReportRun{}, fmt.Errorf("render report: create reports dir: %w", err)
		}
		fileRef = filepath.Join(r.reportsDir, fileName)
		if err := os.WriteFile(fileRef, []byte(body), 0o640); err != nil {
			return model.ReportRun{}, fmt.Errorf("render report: write artifact: %w", err)
		}
	}

	summary := fmt.Sprintf("%d open, %d investigating, %d resolved, %d ignored, %d critical, %d occurrences today",
		overview.OpenGroups, overview.InvestigatingGroups, overview.ResolvedGroups, overview.IgnoredGroups,
		overview.CriticalGroups, overview.OccurrencesToday)

	if r.email != nil && len(sched.Recipients) > 0 {
		if err := r.email.SendReport(sched.Recipients, "Error monitor report", summary+"\n\n"+body); err != nil {
			return model.ReportRun{
				Status: model.RunSuccess, FileRef: fileRef, SizeBytes: int64(len(body)),
				Summary: summary + " (email delivery failed: " + err.Error() + ")", CompletedAt: now,
			}, nil
		}
	}

	return model.ReportRun{
		Status:      model.RunSuccess,
		FileRef:     fileRef,
		SizeBytes:   int64(len(body)),
		Summary:     summary,
		CompletedAt: now,
	}, nil
}

func renderCSV(top []store.TopErrorRow) string {
	var b strings.Builder
	b.WriteString("fingerprint,message,environment,severity,count,last_seen\n")
	for _, row := range top {
		fmt.Fprintf(&b, "%s,%q,%s,%s,%d,%s\n",
			row.Fingerprint, row.Message, row.Environment, row.Severity, row.Count, row.LastSeen.UTC().Format(time.RFC3339))
	}
	return b.String()
}
