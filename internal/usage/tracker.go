// Package usage enforces monthly conversion quotas and raises approach
// alerts.
package usage

import (
	"fmt"
	"log/slog"
	"time"

	"readflow/pkg/domain"
)

const (
	starterLimit = 100
	proLimit     = 300

	warnThreshold     = 0.80
	criticalThreshold = 0.95
)

// Snapshot is the current billing-month position for one user.
type Snapshot struct {
	Used          int     `json:"used"`
	Limit         int     `json:"limit"`
	Remaining     int     `json:"remaining"`
	Percent       float64 `json:"percent"`
	Tier          string  `json:"tier"`
	PeriodStart   string  `json:"periodStart"`
	DaysUntilNext int     `json:"daysUntilReset"`
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed bool
	Reason  string
	Snapshot
}

// Counter supplies usage and subscription facts from the store.
type Counter interface {
	CountConversionsSince(userID string, since time.Time) (int, error)
	HasActiveSubscription(userID string) (bool, error)
}

// Notifier receives usage alerts. Implementations must not block; the
// tracker fires them from the serving path.
type Notifier interface {
	NotifyUsageAlert(userID string, percent float64, used, limit int)
}

// LogNotifier records alerts in the service log. It stands in until a
// user-facing notification channel exists.
type LogNotifier struct{}

func (LogNotifier) NotifyUsageAlert(userID string, percent float64, used, limit int) {
	slog.Warn("usage alert", "user_id", userID,
		"threshold_pct", int(percent*100), "used", used, "limit", limit)
}

// Tracker evaluates per-user monthly quotas.
type Tracker struct {
	counter  Counter
	notifier Notifier
	now      func() time.Time
}

func NewTracker(counter Counter, notifier Notifier) *Tracker {
	return &Tracker{counter: counter, notifier: notifier, now: time.Now}
}

// monthStart is the first instant of the current calendar month in UTC.
func (t *Tracker) monthStart() time.Time {
	now := t.now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func (t *Tracker) limitFor(userID string) (int, domain.SubscriptionTier, error) {
	active, err := t.counter.HasActiveSubscription(userID)
	if err != nil {
		return 0, "", fmt.Errorf("check subscription: %w", err)
	}
	if active {
		return proLimit, domain.TierPro, nil
	}
	return starterLimit, domain.TierStarter, nil
}

// Current builds the usage snapshot for a user.
func (t *Tracker) Current(userID string) (*Snapshot, error) {
	limit, tier, err := t.limitFor(userID)
	if err != nil {
		return nil, err
	}
	start := t.monthStart()
	used, err := t.counter.CountConversionsSince(userID, start)
	if err != nil {
		return nil, fmt.Errorf("count conversions: %w", err)
	}

	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	nextReset := start.AddDate(0, 1, 0)
	return &Snapshot{
		Used:          used,
		Limit:         limit,
		Remaining:     remaining,
		Percent:       float64(used) / float64(limit),
		Tier:          string(tier),
		PeriodStart:   start.Format(time.RFC3339),
		DaysUntilNext: int(nextReset.Sub(t.now().UTC()).Hours()/24) + 1,
	}, nil
}

// CanConvert decides whether a new conversion may start. Denials carry a
// human-readable reason with the numbers a support reply needs.
func (t *Tracker) CanConvert(userID string) (*Decision, error) {
	snap, err := t.Current(userID)
	if err != nil {
		return nil, err
	}
	if snap.Used >= snap.Limit {
		return &Decision{
			Allowed: false,
			Reason: fmt.Sprintf("Monthly limit reached: %d of %d conversions used. Your quota resets in %d days.",
				snap.Used, snap.Limit, snap.DaysUntilNext),
			Snapshot: *snap,
		}, nil
	}
	return &Decision{Allowed: true, Snapshot: *snap}, nil
}

// CheckAlerts fires at most one alert per call: limit-reached at 95
// percent once conversions are actually denied, otherwise approaching at
// 80 percent. Alert failures never affect the conversion that triggered
// the check.
func (t *Tracker) CheckAlerts(userID string) {
	if t.notifier == nil {
		return
	}
	snap, err := t.Current(userID)
	if err != nil {
		slog.Warn("usage alert check failed", "user_id", userID, "error", err)
		return
	}
	switch {
	case snap.Percent >= criticalThreshold && snap.Used >= snap.Limit:
		t.notifier.NotifyUsageAlert(userID, criticalThreshold, snap.Used, snap.Limit)
	case snap.Percent >= warnThreshold:
		t.notifier.NotifyUsageAlert(userID, warnThreshold, snap.Used, snap.Limit)
	}
}
