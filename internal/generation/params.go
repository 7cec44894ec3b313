// Package generation produces meal plans through an LLM and checks that the
// result is both well formed and compliant with the customer's parameters.
package generation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/noah-isme/planbox/internal/common"
)

// Params is the parameter set computed by the quiz and stored on the order.
type Params struct {
	Goal          string   `json:"goal" validate:"required,oneof=lose maintain gain"`
	DailyCalories int      `json:"daily_calories" validate:"required,min=1200,max=4500"`
	Days          int      `json:"days" validate:"required,min=1,max=14"`
	MealsPerDay   int      `json:"meals_per_day" validate:"required,min=2,max=6"`
	Exclusions    []string `json:"exclusions" validate:"max=20,dive,min=1,max=40"`
	Diet          string   `json:"diet" validate:"omitempty,oneof=omnivore vegetarian vegan pescatarian"`
	Language      string   `json:"language" validate:"omitempty,oneof=en es pt de fr"`
}

// ParseParams decodes and validates stored order parameters.
func ParseParams(raw json.RawMessage) (Params, error) {
	var p Params
	if len(raw) == 0 {
		return p, common.BadRequest("order parameters are empty", nil)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, common.BadRequest(fmt.Sprintf("order parameters: %v", err), nil)
	}
	p.normalize()
	if err := common.Validate(p); err != nil {
		return p, err
	}
	return p, nil
}

func (p *Params) normalize() {
	p.Goal = strings.ToLower(strings.TrimSpace(p.Goal))
	p.Diet = strings.ToLower(strings.TrimSpace(p.Diet))
	p.Language = strings.ToLower(strings.TrimSpace(p.Language))
	if p.Language == "" {
		p.Language = "en"
	}
	out := p.Exclusions[:0]
	for _, e := range p.Exclusions {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			out = append(out, e)
		}
	}
	p.Exclusions = out
}
