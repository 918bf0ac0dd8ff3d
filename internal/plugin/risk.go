package plugin

import (
	"context"
	"errors"
	"math"
	"slices"
	"strings"
	"time"

	"payment-switch/internal/models"
)

var riskWeights = struct {
	amount, velocity, timing, location, merchant, user float64
}{0.30, 0.25, 0.15, 0.15, 0.10, 0.05}

// ActivityReader reports a user's recent transaction count and volume.
type ActivityReader interface {
	RecentActivity(ctx context.Context, userID string, since time.Time) (int, float64, error)
}

type UserReader interface {
	FindUserByID(ctx context.Context, id string) (models.User, error)
}

// RiskRules are the thresholds the risk checker scores against.
type RiskRules struct {
	HighValueAmount     float64
	VelocityCount       int
	VelocityAmount      float64
	VelocityWindow      time.Duration
	SuspiciousCountries []string
	NewAccountAge       time.Duration
}

func DefaultRiskRules(highValue float64) RiskRules {
	return RiskRules{
		HighValueAmount:     highValue,
		VelocityCount:       5,
		VelocityAmount:      20000,
		VelocityWindow:      time.Hour,
		SuspiciousCountries: []string{"XX", "YY"},
		NewAccountAge:       7 * 24 * time.Hour,
	}
}

// RiskChecker scores a transaction from weighted factors and blocks or flags it.
type RiskChecker struct {
	rules    RiskRules
	activity ActivityReader
	users    UserReader
	now      func() time.Time
}

func NewRiskChecker(rules RiskRules, activity ActivityReader, users UserReader) *RiskChecker {
	return &RiskChecker{rules: rules, activity: activity, users: users, now: time.Now}
}

func (r *RiskChecker) Name() string { return "risk-checker" }

func (r *RiskChecker) Enabled(_ models.Transaction, rc models.RequestContext) bool {
	return !rc.SkipRiskCheck
}

func (r *RiskChecker) Critical(txn models.Transaction, _ models.RequestContext) bool {
	return txn.EffectiveAmount() > r.rules.HighValueAmount
}

type riskFactor struct {
	name   string
	score  float64
	weight float64
	detail string
}

func (r *RiskChecker) Run(ctx context.Context, txn models.Transaction, rc models.RequestContext) (Outcome, error) {
	velocity, err := r.velocityFactor(ctx, txn)
	if err != nil {
		return Outcome{}, err
	}
	factors := []riskFactor{
		r.amountFactor(txn),
		velocity,
		r.timeFactor(),
		r.locationFactor(rc),
		r.merchantFactor(txn),
		r.userFactor(ctx, txn),
	}

	var total float64
	details := make([]map[string]any, 0, len(factors))
	for _, f := range factors {
		total += f.score * f.weight
		if f.score > 0 {
			details = append(details, map[string]any{"factor": f.name, "score": f.score, "detail": f.detail})
		}
	}
	score := math.Round(total)
	action := riskAction(score)

	out := Outcome{
		Action: action,
		Output: map[string]any{
			"riskScore":            score,
			"riskLevel":            RiskLevel(score),
			"factors":              details,
			"recommendation":       action,
			"requiresManualReview": action == "flagged" || score > 70,
		},
	}
	if action == "blocked" {
		out.Block = true
		out.BlockReason = "risk score too high"
	}
	return out, nil
}

func (r *RiskChecker) amountFactor(txn models.Transaction) riskFactor {
	amount := txn.EffectiveAmount()
	hv := r.rules.HighValueAmount
	f := riskFactor{name: "amount", weight: riskWeights.amount}
	switch {
	case amount > hv:
		f.score = math.Min(50+(amount-hv)/1000, 100)
		f.detail = "high value transaction"
	case amount > hv*0.5:
		f.score = 25
		f.detail = "elevated amount"
	}
	return f
}

func (r *RiskChecker) velocityFactor(ctx context.Context, txn models.Transaction) (riskFactor, error) {
	f := riskFactor{name: "velocity", weight: riskWeights.velocity}
	if txn.UserID == "" || r.activity == nil {
		return f, nil
	}
	count, volume, err := r.activity.RecentActivity(ctx, txn.UserID, r.now().Add(-r.rules.VelocityWindow))
	if err != nil {
		return f, err
	}
	if count > r.rules.VelocityCount {
		f.score = math.Min(40+float64(count-r.rules.VelocityCount)*10, 100)
		f.detail = "too many transactions in window"
	}
	if volume > r.rules.VelocityAmount {
		f.score = math.Max(f.score, math.Min(30+(volume-r.rules.VelocityAmount)/1000, 100))
		f.detail = "high volume in window"
	}
	return f, nil
}

func (r *RiskChecker) timeFactor() riskFactor {
	now := r.now()
	f := riskFactor{name: "time", weight: riskWeights.timing}
	if h := now.Hour(); h >= 23 || h <= 6 {
		f.score += 20
		f.detail = "off hours"
	}
	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		f.score += 10
		if f.detail == "" {
			f.detail = "weekend"
		}
	}
	return f
}

func (r *RiskChecker) locationFactor(rc models.RequestContext) riskFactor {
	f := riskFactor{name: "location", weight: riskWeights.location}
	if rc.UserLocation != nil && slices.Contains(r.rules.SuspiciousCountries, rc.UserLocation.Country) {
		f.score = 40
		f.detail = "suspicious country " + rc.UserLocation.Country
	}
	return f
}

func (r *RiskChecker) merchantFactor(txn models.Transaction) riskFactor {
	f := riskFactor{name: "merchant", weight: riskWeights.merchant}
	id := strings.ToLower(txn.MerchantID)
	if strings.Contains(id, "suspicious") || strings.Contains(id, "test") {
		f.score = 30
		f.detail = "flagged merchant"
	}
	return f
}

func (r *RiskChecker) userFactor(ctx context.Context, txn models.Transaction) riskFactor {
	f := riskFactor{name: "user", weight: riskWeights.user}
	if txn.UserID == "" || r.users == nil {
		return f
	}
	u, err := r.users.FindUserByID(ctx, txn.UserID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		f.score, f.detail = 50, "unknown user"
	case err != nil:
		f.score, f.detail = 30, "user lookup failed"
	case u.Status != models.UserActive:
		f.score, f.detail = 60, "user not active"
	case r.now().Sub(u.CreatedAt) < r.rules.NewAccountAge:
		f.score, f.detail = 25, "new account"
	}
	return f
}

func riskAction(score float64) string {
	switch {
	case score >= 80:
		return "blocked"
	case score >= 40:
		return "flagged"
	}
	return "approved"
}

// RiskLevel buckets a score into CRITICAL, HIGH, MEDIUM, LOW or MINIMAL.
func RiskLevel(score float64) string {
	switch {
	case score >= 80:
		return "CRITICAL"
	case score >= 60:
		return "HIGH"
	case score >= 40:
		return "MEDIUM"
	case score >= 20:
		return "LOW"
	}
	return "MINIMAL"
}
