// Package assistant is the local stand-in for a remote chat model: it turns
// an utterance and the focus task into a reply and optional plan changes, and
// streams reply text out one character at a time.
package assistant

import (
	"fmt"
	"time"

	"github.com/antoniostano/stepwise/internal/chat"
	"github.com/antoniostano/stepwise/internal/ids"
	"github.com/antoniostano/stepwise/internal/planner"
	"github.com/antoniostano/stepwise/internal/tasks"
)

// Persona is the system prompt describing how the assistant talks.
const Persona = "You are a phone assistant centred on getting tasks done. Do not just answer questions; " +
	"walk the user through finishing things one step at a time. Be restrained, clear and reliable, " +
	"never preachy. No filler and no information dumps; every reply should point at the next step."

const (
	labelNextStep    = "Next step"
	labelCurrentStep = "Current step"
)

// Reply is what the assistant says plus the plan changes the caller should
// apply. AdvanceStep asks the caller to advance the task store's current
// step; Task, when set, replaces or adds a plan.
type Reply struct {
	Intent      planner.Intent
	Blocks      []chat.Block
	Task        *tasks.TaskPlan
	AdvanceStep bool
}

// Text is the streamable text of the reply.
func (r Reply) Text() string {
	return chat.StreamText(r.Blocks)
}

type Synthesizer struct {
	ids ids.Generator
	now func() time.Time
}

func NewSynthesizer(gen ids.Generator) *Synthesizer {
	if gen == nil {
		gen = ids.New()
	}
	return &Synthesizer{
		ids: gen,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Respond builds the reply for utterance given the focus task and its current
// step, either of which may be nil. It reads no other state.
func (s *Synthesizer) Respond(utterance string, focus *tasks.TaskPlan, current *tasks.Step) Reply {
	intent := planner.Classify(utterance)

	switch intent {
	case planner.IntentAdvance:
		return s.advance(focus, current)
	case planner.IntentAdjust:
		if focus != nil {
			return s.adjust(*focus)
		}
		// Adjusting needs a plan; treat it like any other utterance.
		if planner.IsGoal(utterance) {
			return s.goal(utterance)
		}
	case planner.IntentGoal:
		return s.goal(utterance)
	}
	return s.fallback(focus, current)
}

// NewPlan builds a fresh active plan for goal.
func (s *Synthesizer) NewPlan(goal string) tasks.TaskPlan {
	tpl := planner.Match(goal)
	return tasks.TaskPlan{
		ID:        s.ids.NewID(),
		Title:     tpl.Title,
		Goal:      goal,
		Steps:     tpl.Steps(s.ids),
		Status:    tasks.TaskStatusActive,
		CreatedAt: s.now(),
		RunState:  tasks.RunStateActive,
	}
}

func (s *Synthesizer) advance(focus *tasks.TaskPlan, current *tasks.Step) Reply {
	r := Reply{Intent: planner.IntentAdvance}
	switch {
	case focus == nil:
		r.Blocks = []chat.Block{chat.Text(`There is no task in progress. Tell me a goal, for example "help me plan a trip to Japan", and I will break it into steps and walk through them with you.`)}
	case current == nil:
		if next, ok := focus.FirstTodo(); ok {
			r.Blocks = []chat.Block{chat.Text(fmt.Sprintf(`Next step: %s. Go ahead, and say "done" or "next step" when you finish.`, next.Title))}
		} else {
			r.Blocks = []chat.Block{chat.Text(`This task has no pending steps. Say "all done" or start a new goal.`)}
		}
	default:
		r.AdvanceStep = true
		next, ok := focus.StepAfter(current.ID)
		if !ok {
			r.Blocks = []chat.Block{chat.Text("🎉 Great, this task is complete! If you have a new goal, we can keep going.")}
			return r
		}
		r.Blocks = []chat.Block{
			chat.Text(fmt.Sprintf("Marked done. Next step: %s", next.Title)),
			chat.Extra(labelNextStep, next.Title),
		}
	}
	return r
}

func (s *Synthesizer) adjust(focus tasks.TaskPlan) Reply {
	adjusted := planner.Adjust(focus)
	text := fmt.Sprintf("Simplified the plan as you asked; it now has %d steps.", len(adjusted.Steps))
	blocks := []chat.Block{}
	doing, hasDoing := adjusted.DoingStep()
	if hasDoing {
		text += fmt.Sprintf(" Current step: %s", doing.Title)
	}
	blocks = append(blocks, chat.Text(text))
	if hasDoing {
		blocks = append(blocks, chat.Extra(labelCurrentStep, doing.Title))
	}
	return Reply{Intent: planner.IntentAdjust, Blocks: blocks, Task: &adjusted}
}

func (s *Synthesizer) goal(utterance string) Reply {
	plan := s.NewPlan(utterance)
	blocks := []chat.Block{chat.Text(fmt.Sprintf("Done. I created the %q task with %d steps.", plan.Title, len(plan.Steps)))}
	if len(plan.Steps) > 0 {
		blocks = append(blocks, chat.Extra(labelNextStep, plan.Steps[0].Title))
	}
	return Reply{Intent: planner.IntentGoal, Blocks: blocks, Task: &plan}
}

func (s *Synthesizer) fallback(focus *tasks.TaskPlan, current *tasks.Step) Reply {
	r := Reply{Intent: planner.IntentFallback}
	switch {
	case focus != nil && current != nil:
		r.Blocks = []chat.Block{
			chat.Text(fmt.Sprintf(`Task %q is in progress; current step: %s. Say "done" or "next step" when you finish.`, focus.Title, current.Title)),
			chat.Extra(labelCurrentStep, current.Title),
		}
	case focus != nil:
		if next, ok := focus.NextOpenStep(); ok {
			r.Blocks = []chat.Block{chat.Text(fmt.Sprintf("You have a task in progress, %q. Next step: %s.", focus.Title, next.Title))}
		} else {
			r.Blocks = []chat.Block{chat.Text(`This task has nothing left to do. Tell me a new goal, or say "all done" to close it.`)}
		}
	default:
		r.Blocks = []chat.Block{chat.Text(`I'm MoreAI. I turn ideas into plans and help you carry them out. Tell me a goal, like "help me plan a trip to Japan" or "prepare for an interview".`)}
	}
	return r
}
