package filter

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/kb-assistant/backend/internal/storage/models"
)

func TestPlan(t *testing.T) {
	p := NewPlanner(nil)

	tests := []struct {
		name  string
		query string
		want  Predicate
	}{
		{
			name:  "finance",
			query: "What is NIFA funding?",
			want: Predicate{Must: []Clause{
				{Field: FieldCategory, Op: OpIn, Values: []string{"finance", "grants", "budget"}},
				{Field: FieldPriority, Op: OpGte, Number: 2},
			}},
		},
		{
			name:  "hr",
			query: "How much vacation do I get?",
			want: Predicate{Must: []Clause{
				{Field: FieldCategory, Op: OpIn, Values: []string{"hr", "policy"}},
			}},
		},
		{
			name:  "finance and events union",
			query: "Event registration payment deadline",
			want: Predicate{Must: []Clause{
				{Field: FieldCategory, Op: OpIn, Values: []string{"finance", "grants", "budget", "events", "calendar"}},
				{Field: FieldPriority, Op: OpGte, Number: 2},
			}},
		},
		{
			name:  "no keyword prefers production",
			query: "Who maintains the wiki?",
			want:  Predicate{Prefer: []Clause{DefaultPreference}},
		},
		{
			name:  "substring is not a keyword",
			query: "prevent duplicate records",
			want:  Predicate{Prefer: []Clause{DefaultPreference}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Plan(tt.query)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Plan(%q) mismatch (-want +got):\n%s", tt.query, diff)
			}
		})
	}
}

func TestPlanDeterministic(t *testing.T) {
	p := NewPlanner(nil)
	first := p.Plan("grant budget for the hiring event")
	for i := 0; i < 20; i++ {
		assert.Empty(t, cmp.Diff(first, p.Plan("grant budget for the hiring event")))
	}
}

func TestPredicateMatching(t *testing.T) {
	finance := NewPlanner(nil).Plan("grant deadline")
	assert.True(t, finance.Matches(models.SourceMetadata{Category: "grants", Priority: 3}))
	assert.False(t, finance.Matches(models.SourceMetadata{Category: "grants", Priority: 1}))
	assert.False(t, finance.Matches(models.SourceMetadata{Category: "hr", Priority: 3}))
	assert.False(t, finance.Preferred(models.SourceMetadata{Category: "grants", Priority: 3}))

	def := NewPlanner(nil).Plan("office wifi")
	assert.True(t, def.Matches(models.SourceMetadata{ContentFlag: "staging"}), "preference never excludes")
	assert.True(t, def.Preferred(models.SourceMetadata{ContentFlag: "production"}))
	assert.False(t, def.Preferred(models.SourceMetadata{ContentFlag: "staging"}))
	assert.False(t, Predicate{}.Preferred(models.SourceMetadata{ContentFlag: "production"}))
}
