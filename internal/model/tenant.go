package model

import (
	"slices"
	"time"
)

type Plan string

const (
	PlanBasic      Plan = "basic"
	PlanPremium    Plan = "premium"
	PlanEnterprise Plan = "enterprise"
)

// Unlimited disables a quota limit.
const Unlimited = -1

type Quotas struct {
	DailyLimit      int      `json:"dailyLimit"`
	MonthlyLimit    int      `json:"monthlyLimit"`
	RateLimit       int      `json:"rateLimit"`
	BulkSizeLimit   int      `json:"bulkSizeLimit"`
	ProviderOptions []string `json:"providerOptions"`
}

func (q Quotas) AllowsProvider(name string) bool {
	return slices.Contains(q.ProviderOptions, name)
}

type Usage struct {
	DailyCount       int       `json:"dailyCount"`
	MonthlyCount     int       `json:"monthlyCount"`
	LastDailyReset   time.Time `json:"lastDailyReset"`
	LastMonthlyReset time.Time `json:"lastMonthlyReset"`
}

type QuotaScope string

const (
	ScopeDaily   QuotaScope = "daily"
	ScopeMonthly QuotaScope = "monthly"
)

// Exceeds returns the first limit that admitting count more messages would
// break, or an empty scope when the request fits.
func (u Usage) Exceeds(q Quotas, count int) QuotaScope {
	if q.DailyLimit != Unlimited && u.DailyCount+count > q.DailyLimit {
		return ScopeDaily
	}
	if q.MonthlyLimit != Unlimited && u.MonthlyCount+count > q.MonthlyLimit {
		return ScopeMonthly
	}
	return ""
}

type ResetType string

const (
	ResetDaily   ResetType = "daily"
	ResetMonthly ResetType = "monthly"
	ResetBoth    ResetType = "both"
)

func (r ResetType) Valid() bool {
	return r == ResetDaily || r == ResetMonthly || r == ResetBoth
}

// Reset zeroes the counters selected by r and stamps the reset time.
func (u *Usage) Reset(r ResetType, now time.Time) {
	if r == ResetDaily || r == ResetBoth {
		u.DailyCount = 0
		u.LastDailyReset = now
	}
	if r == ResetMonthly || r == ResetBoth {
		u.MonthlyCount = 0
		u.LastMonthlyReset = now
	}
}

type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Plan      Plan      `json:"plan"`
	Quotas    Quotas    `json:"quotas"`
	Usage     Usage     `json:"usage"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
