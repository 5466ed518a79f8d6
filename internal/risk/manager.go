package risk

import (
	"context"
	"math"
	"sync"
	"time"

	"futuresExecBot/internal/domain"
	"futuresExecBot/internal/ports"
)

// GuardConfig holds account-level limits.
type GuardConfig struct {
	MaxDailyLoss   float64 // fraction of balance, 0 disables
	MaxDrawdown    float64 // fraction of balance, 0 disables
	MaxDailyTrades int     // 0 disables
}

// GuardStats holds the running daily figures.
type GuardStats struct {
	DailyPnL        float64
	CurrentDrawdown float64
	DailyTrades     int
	LastResetTime   time.Time
}

// AccountGuard blocks new entries once the day's losses or trade count hit
// their limits. Exits are never blocked.
type AccountGuard struct {
	config GuardConfig
	mu     sync.Mutex
	stats  GuardStats
	now    func() time.Time
}

// NewAccountGuard creates a guard with empty stats.
func NewAccountGuard(config GuardConfig) *AccountGuard {
	return &AccountGuard{
		config: config,
		stats:  GuardStats{LastResetTime: time.Now()},
		now:    time.Now,
	}
}

// Load seeds today's figures from the trade history.
func (g *AccountGuard) Load(ctx context.Context, trades ports.TradeRepository, symbols []string) error {
	pnl, err := trades.SumTodayPNL(ctx)
	if err != nil {
		return err
	}
	count := 0
	for _, s := range symbols {
		n, err := trades.CountTodayBySymbol(ctx, s)
		if err != nil {
			return err
		}
		count += n
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats.DailyPnL = pnl
	g.stats.DailyTrades = count
	g.stats.LastResetTime = g.now()
	return nil
}

// UpdateStats records a closed trade.
func (g *AccountGuard) UpdateStats(trade *domain.Trade, accountBalance float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollover()
	g.stats.DailyPnL += trade.PNL
	if trade.PNL < 0 && accountBalance > 0 {
		g.stats.CurrentDrawdown = math.Max(g.stats.CurrentDrawdown, -trade.PNL/accountBalance)
	}
	g.stats.DailyTrades++
}

// ResetDailyStats clears the daily figures.
func (g *AccountGuard) ResetDailyStats() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats.DailyPnL = 0
	g.stats.DailyTrades = 0
	g.stats.CurrentDrawdown = 0
	g.stats.LastResetTime = g.now()
}

func (g *AccountGuard) rollover() {
	now := g.now()
	y1, m1, d1 := g.stats.LastResetTime.Date()
	y2, m2, d2 := now.Date()
	if y1 != y2 || m1 != m2 || d1 != d2 {
		g.stats.DailyPnL = 0
		g.stats.DailyTrades = 0
		g.stats.CurrentDrawdown = 0
		g.stats.LastResetTime = now
	}
}

// CheckRiskLimits returns a validation error if a new entry must be refused.
func (g *AccountGuard) CheckRiskLimits(accountBalance float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollover()

	if g.config.MaxDrawdown > 0 && g.stats.CurrentDrawdown > g.config.MaxDrawdown {
		return ports.Reject(ports.ReasonDailyLossLimit, "drawdown %.4f exceeds %.4f", g.stats.CurrentDrawdown, g.config.MaxDrawdown)
	}
	if g.config.MaxDailyLoss > 0 && g.stats.DailyPnL < -g.config.MaxDailyLoss*accountBalance {
		return ports.Reject(ports.ReasonDailyLossLimit, "daily loss %.2f exceeds %.2f", -g.stats.DailyPnL, g.config.MaxDailyLoss*accountBalance)
	}
	if g.config.MaxDailyTrades > 0 && g.stats.DailyTrades >= g.config.MaxDailyTrades {
		return ports.Reject(ports.ReasonDailyTradeLimit, "daily trades %d reached limit %d", g.stats.DailyTrades, g.config.MaxDailyTrades)
	}
	return nil
}

// Stats returns a copy of the current figures.
func (g *AccountGuard) Stats() GuardStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}
