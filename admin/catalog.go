/*
catalog.go - Pre-built investment plans and traders

PURPOSE:
  Ready-to-use catalog entries so a fresh install has something to invest
  in. Loaded on startup when seed_defaults is set, or on demand through the
  admin API.

DEFAULT PLANS:
  Starter:  100 - 999,     7 days,  5%, low risk
  Growth:   1,000 - 9,999, 30 days, 18%, medium risk
  Premium:  10,000 - 100,000, 90 days, 45%, high risk

DEFAULT TRADERS:
  One trader per risk level.

SEEDING RULE:
  A section is seeded only when it is empty. Running SeedDefaults twice
  creates nothing the second time, and an operator-edited catalog is
  never overwritten.
*/
package admin

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/warp/invest-ledger/copytrading"
	"github.com/warp/invest-ledger/investment"
	"github.com/warp/invest-ledger/ledger"
)

// DefaultPlans returns the built-in plan catalog.
func DefaultPlans() []investment.PlanInput {
	return []investment.PlanInput{
		{
			Name:             "Starter",
			Description:      "Short lock-up for first-time investors",
			MinimumAmount:    decimal.NewFromInt(100),
			MaximumAmount:    decimal.NewFromInt(999),
			DurationDays:     7,
			PercentageReturn: decimal.NewFromInt(5),
			Risk:             ledger.RiskLow,
		},
		{
			Name:             "Growth",
			Description:      "Monthly plan with a balanced return",
			MinimumAmount:    decimal.NewFromInt(1000),
			MaximumAmount:    decimal.NewFromInt(9999),
			DurationDays:     30,
			PercentageReturn: decimal.NewFromInt(18),
			Risk:             ledger.RiskMedium,
		},
		{
			Name:             "Premium",
			Description:      "Quarterly plan for large allocations",
			MinimumAmount:    decimal.NewFromInt(10000),
			MaximumAmount:    decimal.NewFromInt(100000),
			DurationDays:     90,
			PercentageReturn: decimal.NewFromInt(45),
			Risk:             ledger.RiskHigh,
		},
	}
}

// DefaultTraders returns the built-in trader catalog.
func DefaultTraders() []copytrading.TraderInput {
	return []copytrading.TraderInput{
		{ID: "steady-income", Name: "Steady Income", Strategy: "Large-cap spot, weekly rebalancing", Risk: ledger.RiskLow},
		{ID: "swing-momentum", Name: "Swing Momentum", Strategy: "Multi-day trend following", Risk: ledger.RiskMedium},
		{ID: "alt-hunter", Name: "Alt Hunter", Strategy: "Small-cap breakouts", Risk: ledger.RiskHigh},
	}
}

// SeedResult counts what SeedDefaults created.
type SeedResult struct {
	Plans   int `json:"plans"`
	Traders int `json:"traders"`
}

// SeedDefaults loads the default catalog into empty sections.
func (s *Service) SeedDefaults(ctx context.Context) (SeedResult, error) {
	var res SeedResult

	plans, err := s.investments.ListPlans(ctx, false)
	if err != nil {
		return res, err
	}
	if len(plans) == 0 {
		for _, in := range DefaultPlans() {
			if _, err := s.investments.CreatePlan(ctx, in); err != nil {
				return res, err
			}
			res.Plans++
		}
	}

	traders, err := s.copyTrading.ListTraders(ctx)
	if err != nil {
		return res, err
	}
	if len(traders) == 0 {
		for _, in := range DefaultTraders() {
			if _, err := s.copyTrading.CreateTrader(ctx, in); err != nil {
				return res, err
			}
			res.Traders++
		}
	}

	if res.Plans > 0 || res.Traders > 0 {
		s.log.InfoContext(ctx, "default catalog seeded",
			"component", "admin",
			"plans", res.Plans,
			"traders", res.Traders,
		)
	}
	return res, nil
}
