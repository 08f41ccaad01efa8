package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"sitetrack/internal/domain"
	"sitetrack/internal/repo"
	"sitetrack/internal/status"
)

type StatusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

type DashboardStats struct {
	Total       int            `json:"total"`
	ByStatus    []StatusCount  `json:"byStatus"`
	ByManager   map[string]int `json:"byManager"`
	TotalAmount int64          `json:"totalAmount"`
	AvgProgress int            `json:"avgProgress"`
}

// Dashboard summarises projects. Statuses are listed in table order,
// including those with no projects.
func Dashboard(projects []domain.Project, tbl *status.Table) DashboardStats {
	st := DashboardStats{Total: len(projects), ByManager: map[string]int{}}
	counts := map[string]int{}
	progress := 0
	for _, p := range projects {
		counts[p.Status.Current]++
		if p.AssignedTo.ProjectManager != "" {
			st.ByManager[p.AssignedTo.ProjectManager]++
		}
		st.TotalAmount += p.EffectiveAmount()
		progress += p.Progress
	}
	for _, name := range tbl.Names() {
		st.ByStatus = append(st.ByStatus, StatusCount{Status: name, Count: counts[name]})
	}
	if len(projects) > 0 {
		st.AvgProgress = int(math.Round(float64(progress) / float64(len(projects))))
	}
	return st
}

const (
	AlertDeadlineWarning = "deadline_warning"
	AlertDeadlineOverdue = "deadline_overdue"

	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
)

var priorityRank = map[string]int{PriorityCritical: 3, PriorityHigh: 2, PriorityMedium: 1}

type Alert struct {
	Type        string `json:"type"`
	Priority    string `json:"priority"`
	ProjectID   string `json:"projectId"`
	ProjectName string `json:"projectName"`
	Message     string `json:"message"`
	DueDate     string `json:"dueDate"`
}

// DefaultAlertDays is the look-ahead window of DeadlineAlerts.
const DefaultAlertDays = 7

// finished statuses no longer raise deadline alerts.
func finished(s string) bool {
	return s == domain.StatusConstructionDone || s == domain.StatusClosed
}

// DeadlineAlerts reports projects due within days and projects past their
// end date, most urgent first.
func DeadlineAlerts(projects []domain.Project, now time.Time, days int) []Alert {
	if days <= 0 {
		days = DefaultAlertDays
	}
	var upcoming, overdue []Alert
	for _, p := range projects {
		if finished(p.Status.Current) {
			continue
		}
		left, ok := daysUntil(now, p.Schedule.EndDate)
		if !ok {
			continue
		}
		switch {
		case left < 0:
			overdue = append(overdue, Alert{
				Type:        AlertDeadlineOverdue,
				Priority:    PriorityCritical,
				ProjectID:   p.ID,
				ProjectName: p.Name,
				Message:     fmt.Sprintf("完了予定日を%d日過ぎています", -left),
				DueDate:     p.Schedule.EndDate,
			})
		case left <= days:
			prio := PriorityMedium
			if left <= 3 {
				prio = PriorityHigh
			}
			upcoming = append(upcoming, Alert{
				Type:        AlertDeadlineWarning,
				Priority:    prio,
				ProjectID:   p.ID,
				ProjectName: p.Name,
				Message:     fmt.Sprintf("完了予定日まで%d日です", left),
				DueDate:     p.Schedule.EndDate,
			})
		}
	}
	byDue := func(list []Alert) {
		sort.SliceStable(list, func(i, j int) bool { return list[i].DueDate < list[j].DueDate })
	}
	byDue(upcoming)
	byDue(overdue)
	alerts := append(upcoming, overdue...)
	sort.SliceStable(alerts, func(i, j int) bool {
		return priorityRank[alerts[i].Priority] > priorityRank[alerts[j].Priority]
	})
	return alerts
}

// StaleAfterDays is how long a status may sit unchanged before it is flagged.
const StaleAfterDays = 30

type Recommendation struct {
	Type            string  `json:"type"`
	Priority        string  `json:"priority"`
	ProjectID       string  `json:"projectId"`
	ProjectName     string  `json:"projectName"`
	CurrentStatus   string  `json:"currentStatus"`
	SuggestedStatus *string `json:"suggestedStatus"`
	Reason          string  `json:"reason"`
}

// Recommendations suggests status changes the schedule implies and flags
// projects whose status has not moved for StaleAfterDays.
func Recommendations(projects []domain.Project, tbl *status.Table, now time.Time) []Recommendation {
	var out []Recommendation
	suggest := func(p domain.Project, prio, next, reason string) {
		r := Recommendation{
			Type:          "status_update_suggested",
			Priority:      prio,
			ProjectID:     p.ID,
			ProjectName:   p.Name,
			CurrentStatus: p.Status.Current,
			Reason:        reason,
		}
		if next != "" {
			r.SuggestedStatus = &next
		}
		out = append(out, r)
	}
	for _, p := range projects {
		cur := p.Status.Current
		if d, ok := daysUntil(now, p.Schedule.StartDate); ok && cur == domain.StatusPreConstruction && d <= 0 {
			suggest(p, PriorityHigh, domain.StatusInConstruction, "着工予定日が過ぎています")
		}
		if d, ok := daysUntil(now, p.Schedule.EndDate); ok && cur == domain.StatusInConstruction && d <= 0 {
			suggest(p, PriorityHigh, domain.StatusConstructionDone, "完了予定日が過ぎています")
		}
		last, ok := p.LastChange()
		if !ok || tbl.IsTerminal(cur) {
			continue
		}
		changed, ok := parseHistoryDate(last.Date)
		if !ok {
			continue
		}
		if since := int(math.Ceil(now.Sub(changed).Hours() / 24)); since > StaleAfterDays {
			suggest(p, PriorityMedium, "", fmt.Sprintf("%d日間ステータスが更新されていません", since))
		}
	}
	return out
}

const (
	UrgencyUrgent    = "urgent"
	UrgencyAttention = "attention"
	UrgencyNormal    = "normal"
)

var urgencyLabels = map[string]string{
	UrgencyUrgent:    "緊急",
	UrgencyAttention: "要注意",
	UrgencyNormal:    "通常",
}

// Urgency classifies a project by days left until its end date.
func Urgency(p domain.Project, now time.Time) string {
	left, ok := daysUntil(now, p.Schedule.EndDate)
	switch {
	case !ok:
		return UrgencyNormal
	case left <= 3:
		return UrgencyUrgent
	case left <= 7:
		return UrgencyAttention
	}
	return UrgencyNormal
}

func UrgencyLabel(u string) string { return urgencyLabels[u] }

// daysUntil counts calendar days from now's date to a YYYY-MM-DD date.
func daysUntil(now time.Time, date string) (int, bool) {
	if date == "" {
		return 0, false
	}
	d, err := time.Parse(dateLayout, date)
	if err != nil {
		return 0, false
	}
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return int(d.Sub(today).Hours() / 24), true
}

func parseHistoryDate(s string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// Site statuses are the ones a site team is actively working.
var siteStatuses = []string{
	domain.StatusOrdered,
	domain.StatusPreConstruction,
	domain.StatusInConstruction,
	domain.StatusConstructionDone,
}

func (e Engine) Dashboard(ctx context.Context) (DashboardStats, error) {
	items, err := e.Repo.AllProjects(ctx)
	if err != nil {
		return DashboardStats{}, persistErr("dashboard", err)
	}
	return Dashboard(items, e.Statuses), nil
}

func (e Engine) DeadlineAlerts(ctx context.Context, days int) ([]Alert, error) {
	items, err := e.Repo.AllProjects(ctx)
	if err != nil {
		return nil, persistErr("deadline alerts", err)
	}
	return DeadlineAlerts(items, e.now(), days), nil
}

func (e Engine) Recommendations(ctx context.Context) ([]Recommendation, error) {
	items, err := e.Repo.AllProjects(ctx)
	if err != nil {
		return nil, persistErr("recommendations", err)
	}
	return Recommendations(items, e.Statuses, e.now()), nil
}

// SiteProjects lists projects between order and completion. f.Statuses is
// replaced.
func (e Engine) SiteProjects(ctx context.Context, f repo.ProjectFilter) ([]domain.Project, error) {
	f.Statuses = siteStatuses
	return e.ListProjects(ctx, f)
}

// GanttProjects lists projects that have both schedule dates.
func (e Engine) GanttProjects(ctx context.Context, f repo.ProjectFilter) ([]domain.Project, error) {
	items, err := e.ListProjects(ctx, f)
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, p := range items {
		if p.Schedule.StartDate != "" && p.Schedule.EndDate != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// Urgency classifies p against the engine clock.
func (e Engine) Urgency(p domain.Project) string { return Urgency(p, e.now()) }
