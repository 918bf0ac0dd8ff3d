package rail

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"payment-switch/internal/config"
	"payment-switch/internal/logging"
	"payment-switch/internal/models"
	"payment-switch/internal/telemetry"
)

const (
	RailDuitNow             = "duitnow"
	RailDuitNowCorporate    = "duitnow-corporate"
	RailInternational       = "international"
	RailDuitNowRefund       = "duitnow-refund"
	RailInternationalRefund = "international-refund"
)

// Settings tunes the simulated rail.
type Settings struct {
	BaseCurrency      string
	LatencyMin        time.Duration
	LatencyMax        time.Duration
	SuccessRate       float64
	RefundSuccessRate float64
	CorporateAbove    float64
}

func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		BaseCurrency:      cfg.BaseCurrency,
		LatencyMin:        cfg.RailLatencyMin,
		LatencyMax:        cfg.RailLatencyMax,
		SuccessRate:       cfg.RailSuccessRate,
		RefundSuccessRate: cfg.RailRefundSuccessRate,
		CorporateAbove:    cfg.RailCorporateAbove,
	}
}

// Simulated stands in for DuitNow and international settlement networks.
// It sleeps for a random latency and succeeds with the configured probability.
type Simulated struct {
	settings Settings
	logger   *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimulated(settings Settings, logger *zap.Logger) *Simulated {
	return &Simulated{
		settings: settings,
		logger:   logging.Resolve(logger).With(zap.String("module", "rail")),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SelectRail picks the settlement network for a transaction.
func (s *Simulated) SelectRail(txn models.Transaction) string {
	foreign := txn.Currency != s.settings.BaseCurrency
	if txn.Type == models.TxnRefund {
		if foreign {
			return RailInternationalRefund
		}
		return RailDuitNowRefund
	}
	switch {
	case foreign:
		return RailInternational
	case txn.Amount > s.settings.CorporateAbove:
		return RailDuitNowCorporate
	}
	return RailDuitNow
}

// Settle submits the transaction to the rail. A decline is reported in the Settlement;
// the error is reserved for cancellation.
func (s *Simulated) Settle(ctx context.Context, txn models.Transaction) (models.Settlement, error) {
	rail := s.SelectRail(txn)
	refund := txn.Type == models.TxnRefund

	timer := time.NewTimer(s.latency())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		telemetry.RailSettlement.WithLabelValues(rail, "cancelled").Inc()
		return models.Settlement{}, fmt.Errorf("settle %s on %s: %w", txn.TxnID, rail, ctx.Err())
	case <-timer.C:
	}

	rate := s.settings.SuccessRate
	prefix := "EXT"
	if refund {
		rate = s.settings.RefundSuccessRate
		prefix = "REF"
	}

	if s.roll() >= rate {
		telemetry.RailSettlement.WithLabelValues(rail, "declined").Inc()
		msg := "Payment processing failed at payment rail"
		if refund {
			msg = "Refund processing failed at payment rail"
		}
		s.logger.Warn("rail declined",
			zap.String("event", "rail_declined"),
			zap.String("rail", rail),
			zap.String("txn_id", txn.TxnID),
		)
		return models.Settlement{Success: false, Rail: rail, Error: msg}, nil
	}

	telemetry.RailSettlement.WithLabelValues(rail, "settled").Inc()
	return models.Settlement{Success: true, Rail: rail, ExternalTxnID: s.reference(prefix)}, nil
}

func (s *Simulated) latency() time.Duration {
	lo, hi := s.settings.LatencyMin, s.settings.LatencyMax
	if hi <= lo {
		return lo
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo + time.Duration(s.rng.Int63n(int64(hi-lo)))
}

func (s *Simulated) roll() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

func (s *Simulated) reference(prefix string) string {
	s.mu.Lock()
	suffix := strconv.FormatInt(s.rng.Int63n(36*36*36*36*36*36), 36)
	s.mu.Unlock()
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixMilli(), strings.ToUpper(suffix))
}
