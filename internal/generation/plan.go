package generation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// CalorieTolerance is the allowed relative deviation of a day's total from
// the daily target.
const CalorieTolerance = 0.10

// Plan is the generated document.
type Plan struct {
	Title string   `json:"title"`
	Days  []Day    `json:"days"`
	Notes []string `json:"notes,omitempty"`
}

// Day is one day of meals.
type Day struct {
	Day   int    `json:"day"`
	Meals []Meal `json:"meals"`
}

// Meal is a single dish.
type Meal struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Calories    int      `json:"calories"`
	Ingredients []string `json:"ingredients"`
}

// TotalCalories sums the day's meals.
func (d Day) TotalCalories() int {
	total := 0
	for _, m := range d.Meals {
		total += m.Calories
	}
	return total
}

// StructuralError means the engine output is not a usable plan.
type StructuralError struct{ Reason string }

func (e *StructuralError) Error() string { return "structural: " + e.Reason }

// DomainError means the plan is well formed but violates the parameters.
type DomainError struct{ Violations []string }

func (e *DomainError) Error() string { return "domain: " + strings.Join(e.Violations, "; ") }

// Class groups failures for retry budgeting.
type Class string

const (
	ClassStructural Class = "structural"
	ClassDomain     Class = "domain"
	ClassTransient  Class = "transient"
)

// Classify maps a generation or validation error onto its retry class.
func Classify(err error) Class {
	var se *StructuralError
	if errors.As(err, &se) {
		return ClassStructural
	}
	var de *DomainError
	if errors.As(err, &de) {
		return ClassDomain
	}
	return ClassTransient
}

// ValidatePlan decodes raw engine output and checks it against p.
func ValidatePlan(raw []byte, p Params) (Plan, error) {
	var plan Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return Plan{}, &StructuralError{Reason: fmt.Sprintf("invalid json: %v", err)}
	}
	if err := checkStructure(plan, p); err != nil {
		return Plan{}, err
	}
	if err := checkDomain(plan, p); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

func checkStructure(plan Plan, p Params) error {
	if strings.TrimSpace(plan.Title) == "" {
		return &StructuralError{Reason: "missing title"}
	}
	if len(plan.Days) != p.Days {
		return &StructuralError{Reason: fmt.Sprintf("expected %d days, got %d", p.Days, len(plan.Days))}
	}
	for i, d := range plan.Days {
		if len(d.Meals) != p.MealsPerDay {
			return &StructuralError{Reason: fmt.Sprintf("day %d: expected %d meals, got %d", i+1, p.MealsPerDay, len(d.Meals))}
		}
		for j, m := range d.Meals {
			if strings.TrimSpace(m.Name) == "" || len(m.Ingredients) == 0 {
				return &StructuralError{Reason: fmt.Sprintf("day %d meal %d: name and ingredients are required", i+1, j+1)}
			}
			if m.Calories <= 0 {
				return &StructuralError{Reason: fmt.Sprintf("day %d meal %d: calories must be positive", i+1, j+1)}
			}
		}
	}
	return nil
}

func checkDomain(plan Plan, p Params) error {
	var violations []string
	low := float64(p.DailyCalories) * (1 - CalorieTolerance)
	high := float64(p.DailyCalories) * (1 + CalorieTolerance)
	for i, d := range plan.Days {
		total := float64(d.TotalCalories())
		if total < low || total > high {
			violations = append(violations, fmt.Sprintf("day %d totals %d kcal, target %d", i+1, int(total), p.DailyCalories))
		}
		for _, m := range d.Meals {
			if hit := excluded(m, p.Exclusions); hit != "" {
				violations = append(violations, fmt.Sprintf("day %d %q contains excluded %q", i+1, m.Name, hit))
			}
		}
	}
	if len(violations) > 0 {
		return &DomainError{Violations: violations}
	}
	return nil
}

func excluded(m Meal, exclusions []string) string {
	for _, ex := range exclusions {
		for _, ing := range m.Ingredients {
			if strings.Contains(strings.ToLower(ing), ex) {
				return ex
			}
		}
	}
	return ""
}
