package gateway

import (
	"sync"
	"time"
)

// Spend alert levels.
const (
	CostWarning  = "warning"
	CostCritical = "critical"
)

// CostConfig sets per-call cost estimates and spend thresholds. Zero
// thresholds disable the corresponding check.
type CostConfig struct {
	CostPerCall     map[string]float64 // category -> estimated USD per call
	DailyWarning    float64
	DailyCritical   float64
	MonthlyWarning  float64
	MonthlyCritical float64
}

// CostGovernor tracks running daily/monthly provider spend per category.
// Crossing a warning threshold fires the notify hook once per period;
// crossing a critical threshold additionally returns the period end so the
// Gateway can force the category's circuit open until the next accounting
// period.
type CostGovernor struct {
	mu     sync.Mutex
	cfg    CostConfig
	now    func() time.Time
	notify func(level, category string, total float64)

	day        string
	month      string
	dayTotal   map[string]float64
	monthTotal map[string]float64
	warned     map[string]bool // "<period>:<level>" fired this period
}

func NewCostGovernor(cfg CostConfig, notify func(level, category string, total float64)) *CostGovernor {
	if notify == nil {
		notify = func(string, string, float64) {}
	}
	return &CostGovernor{
		cfg:        cfg,
		now:        time.Now,
		notify:     notify,
		dayTotal:   map[string]float64{},
		monthTotal: map[string]float64{},
		warned:     map[string]bool{},
	}
}

// Record accounts one provider call attempt for the category. It returns a
// non-zero time when critical spend was crossed: the instant the forced-open
// period ends.
func (g *CostGovernor) Record(category string) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.roll(now)
	cost := g.cfg.CostPerCall[category]
	g.dayTotal[category] += cost
	g.monthTotal[category] += cost

	dayAll := sum(g.dayTotal)
	monthAll := sum(g.monthTotal)

	var until time.Time
	if g.cfg.DailyCritical > 0 && dayAll >= g.cfg.DailyCritical {
		g.fire("day:critical", CostCritical, category, dayAll)
		until = endOfDay(now)
	} else if g.cfg.DailyWarning > 0 && dayAll >= g.cfg.DailyWarning {
		g.fire("day:warning", CostWarning, category, dayAll)
	}
	if g.cfg.MonthlyCritical > 0 && monthAll >= g.cfg.MonthlyCritical {
		g.fire("month:critical", CostCritical, category, monthAll)
		if eom := endOfMonth(now); eom.After(until) {
			until = eom
		}
	} else if g.cfg.MonthlyWarning > 0 && monthAll >= g.cfg.MonthlyWarning {
		g.fire("month:warning", CostWarning, category, monthAll)
	}
	return until
}

// Totals returns current daily and monthly spend across categories.
func (g *CostGovernor) Totals() (day, month float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roll(g.now())
	return sum(g.dayTotal), sum(g.monthTotal)
}

func (g *CostGovernor) roll(now time.Time) {
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")
	if g.day != day {
		g.day = day
		g.dayTotal = map[string]float64{}
		delete(g.warned, "day:warning")
		delete(g.warned, "day:critical")
	}
	if g.month != month {
		g.month = month
		g.monthTotal = map[string]float64{}
		delete(g.warned, "month:warning")
		delete(g.warned, "month:critical")
	}
}

func (g *CostGovernor) fire(key, level, category string, total float64) {
	if g.warned[key] {
		return
	}
	g.warned[key] = true
	g.notify(level, category, total)
}

func sum(m map[string]float64) float64 {
	t := 0.0
	for _, v := range m {
		t += v
	}
	return t
}

func endOfDay(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
}

func endOfMonth(now time.Time) time.Time {
	y, m, _ := now.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, now.Location()).AddDate(0, 1, 0)
}
