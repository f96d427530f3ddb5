package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/stepwise/internal/ids"
	"github.com/antoniostano/stepwise/internal/tasks"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		in   string
		want Intent
	}{
		{"下一步", IntentAdvance},
		{"  DONE with that ", IntentAdvance},
		{"continue", IntentAdvance},
		{"计划太紧了", IntentAdjust},
		{"please simplify", IntentAdjust},
		{"帮我规划一次日本旅行", IntentGoal},
		{"help me prepare for an interview", IntentGoal},
		{"what's the weather", IntentFallback},
		{"", IntentFallback},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.in), "Classify(%q)", tc.in)
	}
}

func TestClassifyPriority(t *testing.T) {
	// Completion phrases win even when goal or adjust words are present.
	assert.Equal(t, IntentAdvance, Classify("continue planning my travel"))
	assert.Equal(t, IntentAdvance, Classify("面试准备完成了"))
	assert.Equal(t, IntentAdvance, Classify("done, now simplify"))
	assert.Equal(t, IntentAdjust, Classify("simplify the travel plan"))
	assert.True(t, IsGoal("simplify the travel plan"))
}

func TestMatchTemplates(t *testing.T) {
	cases := map[string]string{
		"帮我规划一次日本旅行":               "Travel plan",
		"我想去旅游":                    "Travel plan",
		"start a workout routine":   "Fitness plan",
		"准备面试":                     "Interview prep",
		"write the quarterly report": "Write report",
		"learn Go":                  "Study plan",
		"help me move house":        "New task",
	}
	for goal, title := range cases {
		assert.Equal(t, title, TitleFor(goal), "TitleFor(%q)", goal)
	}
	// First match wins: travel is checked before report.
	assert.Equal(t, "travel", Match("travel report").Name)
}

func TestBuildMarksFirstStepDoing(t *testing.T) {
	steps := Build("准备面试", ids.NewSequence("step"))
	require.Len(t, steps, 3)
	assert.Equal(t, "step-1", steps[0].ID)
	assert.Equal(t, tasks.StepDoing, steps[0].Status)
	for _, s := range steps[1:] {
		assert.Equal(t, tasks.StepTodo, s.Status)
		assert.NotEmpty(t, s.Title)
		assert.NotEmpty(t, s.Description)
	}

	generic := Build("something else entirely", ids.New())
	assert.Len(t, generic, 4)
}

func plan(statuses ...tasks.StepStatus) tasks.TaskPlan {
	p := tasks.TaskPlan{ID: "t", Status: tasks.TaskStatusPlanning}
	for i, st := range statuses {
		p.Steps = append(p.Steps, tasks.Step{ID: string(rune('A' + i)), Status: st})
	}
	return p
}

func statuses(p tasks.TaskPlan) []tasks.StepStatus {
	out := make([]tasks.StepStatus, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Status
	}
	return out
}

func TestAdjustKeepsDoingMarker(t *testing.T) {
	in := plan(tasks.StepDone, tasks.StepDoing, tasks.StepTodo, tasks.StepTodo)
	out := Adjust(in)

	require.Len(t, out.Steps, 2)
	assert.Equal(t, "A", out.Steps[0].ID)
	assert.Equal(t, "B", out.Steps[1].ID)
	assert.Equal(t, []tasks.StepStatus{tasks.StepDone, tasks.StepDoing}, statuses(out))
	assert.Equal(t, tasks.TaskStatusActive, out.Status)

	// Input untouched.
	assert.Len(t, in.Steps, 4)
	assert.Equal(t, tasks.TaskStatusPlanning, in.Status)
}

func TestAdjustResetsMarkerOutsidePrefix(t *testing.T) {
	in := plan(tasks.StepDone, tasks.StepDone, tasks.StepDone, tasks.StepDoing)
	out := Adjust(in)
	assert.Equal(t, []tasks.StepStatus{tasks.StepDoing, tasks.StepTodo}, statuses(out))
}

func TestAdjustSizes(t *testing.T) {
	assert.Len(t, Adjust(plan(tasks.StepDoing, tasks.StepTodo, tasks.StepTodo)).Steps, 2)
	assert.Len(t, Adjust(plan(tasks.StepDoing, tasks.StepTodo, tasks.StepTodo, tasks.StepTodo, tasks.StepTodo)).Steps, 3)

	short := plan(tasks.StepDone, tasks.StepDoing)
	assert.Equal(t, short, Adjust(short))
}
