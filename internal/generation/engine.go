package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/planbox/internal/resilience"
)

// Request asks for one plan. Feedback carries the previous validation
// failure so a retry can correct it.
type Request struct {
	PaymentID string
	Params    Params
	Feedback  string
}

// Result is raw engine output plus the engine's identifier for the call.
type Result struct {
	Content  json.RawMessage
	EngineID string
}

// Engine generates plan content. Callers apply their own timeout.
type Engine interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// OpenAIEngine generates plans with chat completions in JSON mode.
type OpenAIEngine struct {
	client      openai.Client
	model       string
	temperature float64
}

// OpenAIConfig configures NewOpenAIEngine.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	HTTPClient  *http.Client
}

// NewOpenAIEngine builds an engine. Retries are left to the caller so the
// per-class budgets stay in one place.
func NewOpenAIEngine(cfg OpenAIConfig) *OpenAIEngine {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIEngine{client: openai.NewClient(opts...), model: model, temperature: cfg.Temperature}
}

// Generate implements Engine.
func (e *OpenAIEngine) Generate(ctx context.Context, req Request) (Result, error) {
	ctx, span := otel.Tracer("generation.OpenAIEngine").Start(ctx, "OpenAIEngine.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.id", req.PaymentID),
		attribute.String("llm.model", e.model),
		attribute.Bool("llm.retry", req.Feedback != ""),
	)

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(userPrompt(req.Params)),
	}
	if req.Feedback != "" {
		messages = append(messages, openai.UserMessage("The previous answer was rejected: "+req.Feedback+". Return a corrected plan."))
	}
	resp, err := e.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(e.model),
		Messages:    messages,
		Temperature: openai.Float(e.temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		span.RecordError(err)
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests {
			return Result{}, resilience.Permanent(fmt.Errorf("generation: openai rejected request: %w", err))
		}
		return Result{}, fmt.Errorf("generation: openai: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return Result{}, &StructuralError{Reason: "empty completion"}
	}
	span.SetAttributes(attribute.String("llm.completion_id", resp.ID))
	return Result{Content: json.RawMessage(resp.Choices[0].Message.Content), EngineID: resp.Model + ":" + resp.ID}, nil
}

const systemPrompt = `You are a registered dietitian writing personalised meal plans.
Answer with a single JSON object of the form
{"title": string, "days": [{"day": number, "meals": [{"name": string, "description": string, "calories": number, "ingredients": [string]}]}], "notes": [string]}.
Do not add any text outside the JSON object.`

func userPrompt(p Params) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s weight.\n", p.Goal)
	fmt.Fprintf(&b, "Daily calorie target: %d kcal (each day must be within 10%%).\n", p.DailyCalories)
	fmt.Fprintf(&b, "Days: %d. Meals per day: %d.\n", p.Days, p.MealsPerDay)
	if p.Diet != "" {
		fmt.Fprintf(&b, "Diet: %s.\n", p.Diet)
	}
	if len(p.Exclusions) > 0 {
		fmt.Fprintf(&b, "Never use these ingredients: %s.\n", strings.Join(p.Exclusions, ", "))
	}
	fmt.Fprintf(&b, "Write the plan in language code %q.", p.Language)
	return b.String()
}

// SampleEngine builds a deterministic plan without calling a model. It is
// used when no API key is configured.
type SampleEngine struct{}

var sampleMeals = []Meal{
	{Name: "Oatmeal with berries", Ingredients: []string{"oats", "blueberries", "milk"}},
	{Name: "Chicken salad", Ingredients: []string{"chicken breast", "lettuce", "olive oil"}},
	{Name: "Lentil curry", Ingredients: []string{"lentils", "tomato", "rice"}},
	{Name: "Greek yogurt bowl", Ingredients: []string{"yogurt", "honey", "walnuts"}},
	{Name: "Salmon with vegetables", Ingredients: []string{"salmon", "broccoli", "potato"}},
	{Name: "Hummus wrap", Ingredients: []string{"chickpeas", "tortilla", "cucumber"}},
	{Name: "Tofu stir fry", Ingredients: []string{"tofu", "pepper", "noodles"}},
	{Name: "Egg scramble", Ingredients: []string{"eggs", "spinach", "toast"}},
}

// Generate implements Engine.
func (SampleEngine) Generate(_ context.Context, req Request) (Result, error) {
	p := req.Params
	var allowed []Meal
	for _, m := range sampleMeals {
		if excluded(m, p.Exclusions) == "" {
			allowed = append(allowed, m)
		}
	}
	if len(allowed) == 0 {
		return Result{}, &DomainError{Violations: []string{"every sample meal is excluded"}}
	}
	plan := Plan{Title: fmt.Sprintf("%d-day plan (%d kcal)", p.Days, p.DailyCalories)}
	per := p.DailyCalories / p.MealsPerDay
	for d := 0; d < p.Days; d++ {
		day := Day{Day: d + 1}
		for m := 0; m < p.MealsPerDay; m++ {
			meal := allowed[(d*p.MealsPerDay+m)%len(allowed)]
			meal.Calories = per
			day.Meals = append(day.Meals, meal)
		}
		plan.Days = append(plan.Days, day)
	}
	raw, err := json.Marshal(plan)
	if err != nil {
		return Result{}, err
	}
	return Result{Content: raw, EngineID: "sample:" + uuid.NewString()}, nil
}
