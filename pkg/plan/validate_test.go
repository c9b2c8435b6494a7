package plan

import (
	"strings"
	"testing"
)

func routing(s string) *string { return &s }

func validPlan() *Plan {
	return &Plan{
		PlanID: "p1",
		Subtasks: []Subtask{
			{ID: "a", Routing: routing("coding"), Prompt: "implement the parser"},
			{ID: "b", Routing: routing("reviewer"), Prompt: "review the parser", DependsOn: []string{"a"}},
		},
	}
}

// TestValidateAccepts checks a well-formed two-node chain
func TestValidateAccepts(t *testing.T) {
	if err := Validate(validPlan(), 0); err != nil {
		t.Fatalf("valid plan rejected: %v", err)
	}
}

// TestValidateRejects walks the structural error cases
func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Plan)
		want   string
	}{
		{
			name:   "missing planId",
			mutate: func(p *Plan) { p.PlanID = "" },
			want:   "planId is required",
		},
		{
			name:   "empty subtasks",
			mutate: func(p *Plan) { p.Subtasks = nil },
			want:   "non-empty list",
		},
		{
			name:   "duplicate id",
			mutate: func(p *Plan) { p.Subtasks[1].ID = "a" },
			want:   "duplicate subtask id",
		},
		{
			name:   "empty routing string",
			mutate: func(p *Plan) { p.Subtasks[0].Routing = routing("  ") },
			want:   "routing must be a non-empty string",
		},
		{
			name:   "missing prompt",
			mutate: func(p *Plan) { p.Subtasks[0].Prompt = "" },
			want:   "prompt is required",
		},
		{
			name:   "prompt too long",
			mutate: func(p *Plan) { p.Subtasks[0].Prompt = strings.Repeat("x", DefaultMaxPromptChars+1) },
			want:   "prompt too long",
		},
		{
			name:   "unknown dependency",
			mutate: func(p *Plan) { p.Subtasks[1].DependsOn = []string{"ghost"} },
			want:   "dependsOn unknown id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPlan()
			tt.mutate(p)
			err := Validate(p, 0)
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want substring %q", err.Error(), tt.want)
			}
		})
	}
}

// TestValidatePromptLengthInRunes counts prompt length in characters, so
// multibyte prompts are not penalized for their encoding
func TestValidatePromptLengthInRunes(t *testing.T) {
	p := validPlan()

	// 10 three-byte runes: 30 bytes but well under a 10-character limit.
	p.Subtasks[0].Prompt = strings.Repeat("日", 10)
	if err := Validate(p, 10); err != nil {
		t.Fatalf("10-rune multibyte prompt rejected at limit 10: %v", err)
	}

	p.Subtasks[0].Prompt = strings.Repeat("日", 11)
	err := Validate(p, 10)
	if err == nil {
		t.Fatal("11-rune prompt accepted at limit 10")
	}
	if !strings.Contains(err.Error(), "prompt too long: 11 > 10") {
		t.Errorf("error = %q, want rune count in message", err.Error())
	}
}

// TestValidateAbsentRoutingAllowed distinguishes absent routing from an
// empty routing string
func TestValidateAbsentRoutingAllowed(t *testing.T) {
	p := validPlan()
	p.Subtasks[0].Routing = nil
	if err := Validate(p, 0); err != nil {
		t.Fatalf("absent routing should be allowed: %v", err)
	}
}

// TestValidateCycle rejects a dependency cycle
func TestValidateCycle(t *testing.T) {
	p := &Plan{
		PlanID: "p1",
		Subtasks: []Subtask{
			{ID: "a", Prompt: "first", DependsOn: []string{"c"}},
			{ID: "b", Prompt: "second", DependsOn: []string{"a"}},
			{ID: "c", Prompt: "third", DependsOn: []string{"b"}},
		},
	}
	err := Validate(p, 0)
	if err == nil {
		t.Fatal("cyclic plan accepted")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Errorf("error = %q, want cycle mention", err.Error())
	}
}

// TestValidateSelfCycle rejects a task depending on itself
func TestValidateSelfCycle(t *testing.T) {
	p := &Plan{
		PlanID: "p1",
		Subtasks: []Subtask{
			{ID: "a", Prompt: "loops", DependsOn: []string{"a"}},
		},
	}
	if err := Validate(p, 0); err == nil {
		t.Fatal("self-dependency accepted")
	}
}

// TestParseAliasID accepts the "id" alias for planId
func TestParseAliasID(t *testing.T) {
	p, err := Parse([]byte(`{"id":"alias1","subtasks":[{"id":"a","prompt":"go"}]}`))
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if p.ID() != "alias1" {
		t.Errorf("ID() = %q, want alias1", p.ID())
	}
	if err := Validate(p, 0); err != nil {
		t.Fatalf("aliased plan rejected: %v", err)
	}
}

// TestParseRejectsGarbage checks malformed JSON surfaces an error
func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse([]byte("{not json")); err == nil {
		t.Fatal("malformed JSON accepted")
	}
}
