package generation_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/planbox/internal/generation"
	"github.com/noah-isme/planbox/internal/resilience"
)

func params() generation.Params {
	return generation.Params{Goal: "lose", DailyCalories: 1800, Days: 2, MealsPerDay: 3, Exclusions: []string{"peanut"}, Language: "en"}
}

func plan(days, meals, kcal int, ingredient string) []byte {
	p := generation.Plan{Title: "Plan"}
	for d := 0; d < days; d++ {
		day := generation.Day{Day: d + 1}
		for m := 0; m < meals; m++ {
			day.Meals = append(day.Meals, generation.Meal{Name: "meal", Calories: kcal, Ingredients: []string{ingredient}})
		}
		p.Days = append(p.Days, day)
	}
	raw, _ := json.Marshal(p)
	return raw
}

func TestParseParamsNormalizesAndValidates(t *testing.T) {
	p, err := generation.ParseParams(json.RawMessage(`{"goal":" Lose ","daily_calories":2000,"days":7,"meals_per_day":3,"exclusions":[" Peanut ",""]}`))
	require.NoError(t, err)
	require.Equal(t, "lose", p.Goal)
	require.Equal(t, "en", p.Language)
	require.Equal(t, []string{"peanut"}, p.Exclusions)

	_, err = generation.ParseParams(json.RawMessage(`{"goal":"lose","daily_calories":500,"days":7,"meals_per_day":3}`))
	require.ErrorContains(t, err, "validation failed")

	_, err = generation.ParseParams(nil)
	require.Error(t, err)
}

func TestValidatePlanClassifiesFailures(t *testing.T) {
	_, err := generation.ValidatePlan(plan(2, 3, 600, "rice"), params())
	require.NoError(t, err)

	_, err = generation.ValidatePlan([]byte(`{"title":`), params())
	require.Equal(t, generation.ClassStructural, generation.Classify(err))

	_, err = generation.ValidatePlan(plan(1, 3, 600, "rice"), params())
	require.Equal(t, generation.ClassStructural, generation.Classify(err))

	_, err = generation.ValidatePlan(plan(2, 2, 600, "rice"), params())
	require.Equal(t, generation.ClassStructural, generation.Classify(err))

	_, err = generation.ValidatePlan(plan(2, 3, 800, "rice"), params())
	require.Equal(t, generation.ClassDomain, generation.Classify(err))

	_, err = generation.ValidatePlan(plan(2, 3, 600, "Peanut butter"), params())
	var de *generation.DomainError
	require.ErrorAs(t, err, &de)
	require.Len(t, de.Violations, 6)

	require.Equal(t, generation.ClassTransient, generation.Classify(errors.New("timeout")))
}

func TestSampleEngineProducesValidPlan(t *testing.T) {
	p := params()
	p.Exclusions = []string{"oats", "salmon"}
	res, err := generation.SampleEngine{}.Generate(context.Background(), generation.Request{Params: p})
	require.NoError(t, err)
	require.Contains(t, res.EngineID, "sample:")

	out, err := generation.ValidatePlan(res.Content, p)
	require.NoError(t, err)
	require.Len(t, out.Days, 2)
}

func TestOpenAIEngineUsesJSONMode(t *testing.T) {
	content := string(plan(2, 3, 600, "rice"))
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
	t.Cleanup(srv.Close)

	engine := generation.NewOpenAIEngine(generation.OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1/", Temperature: 0.2, HTTPClient: srv.Client()})
	res, err := engine.Generate(context.Background(), generation.Request{PaymentID: "pi_1", Params: params(), Feedback: "day 1 totals 2400 kcal"})
	require.NoError(t, err)
	require.Equal(t, "gpt-4o-mini:chatcmpl-1", res.EngineID)
	require.JSONEq(t, content, string(res.Content))

	require.Equal(t, "gpt-4o-mini", body["model"])
	require.Equal(t, map[string]any{"type": "json_object"}, body["response_format"])
	require.Len(t, body["messages"], 3)
}

func TestOpenAIEngineClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad model","type":"invalid_request_error"}}`))
	}))
	t.Cleanup(srv.Close)

	engine := generation.NewOpenAIEngine(generation.OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/", HTTPClient: srv.Client()})
	_, err := engine.Generate(context.Background(), generation.Request{Params: params()})
	require.Error(t, err)
	require.True(t, resilience.IsPermanent(err))
}
