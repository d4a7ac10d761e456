package cost

// BudgetStatus is the outcome of a budget compliance check.
type BudgetStatus struct {
	Compliant    bool    `json:"compliant"`
	Budget       float64 `json:"budget"`
	MonthlyCost  float64 `json:"monthly_cost"`
	UsagePercent float64 `json:"usage_percent"`
	Remaining    float64 `json:"remaining"`
	Overage      float64 `json:"overage"`
}

// CheckBudgetCompliance compares an estimate's monthly cost against a monthly
// budget.
//
// A zero or negative budget admits only a free deployment: usage is 0% when
// the cost is zero and 100% otherwise, nothing remains, and the whole cost is
// overage.
func CheckBudgetCompliance(estimate *Estimate, budget float64) BudgetStatus {
	monthly := 0.0
	if estimate != nil {
		monthly = estimate.MonthlyCost
	}
	status := BudgetStatus{Budget: budget, MonthlyCost: monthly}

	if budget <= 0 {
		status.Compliant = monthly <= 0
		if !status.Compliant {
			status.UsagePercent = 100
			status.Overage = monthly
		}
		return status
	}

	status.UsagePercent = monthly / budget * 100
	status.Compliant = monthly <= budget
	if status.Compliant {
		status.Remaining = budget - monthly
	} else {
		status.Overage = monthly - budget
	}
	return status
}

// CheckBudgetCompliance compares an estimate against a monthly budget.
func (e *Estimator) CheckBudgetCompliance(estimate *Estimate, budget float64) BudgetStatus {
	return CheckBudgetCompliance(estimate, budget)
}
