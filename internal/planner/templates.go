package planner

import (
	"github.com/antoniostano/stepwise/internal/ids"
	"github.com/antoniostano/stepwise/internal/tasks"
)

type stepText struct {
	title       string
	description string
}

// Template is a fixed plan shape selected by keyword.
type Template struct {
	Name     string
	Title    string
	keywords []string
	steps    []stepText
}

// templates are checked in order; the last one has no keywords and always
// matches.
var templates = []Template{
	{
		Name:     "travel",
		Title:    "Travel plan",
		keywords: []string{"旅行", "旅游", "日本", "travel", "trip", "japan", "vacation"},
		steps: []stepText{
			{"Set dates and budget", "Pick travel dates and a rough budget"},
			{"Visa and flights", "Apply for the visa and book flights"},
			{"Book lodging and itinerary", "Reserve hotels and sketch a simple itinerary"},
			{"Pack and gather local info", "Exchange currency, write a packing list, read a guide"},
		},
	},
	{
		Name:     "fitness",
		Title:    "Fitness plan",
		keywords: []string{"健身", "减肥", "fitness", "workout", "lose weight", "gym"},
		steps: []stepText{
			{"Set goal and timeframe", "Target weight or muscle gain and a deadline"},
			{"Plan training and diet", "Sessions per week and what to eat"},
			{"Run week one and log it", "Follow the plan and record your weight"},
			{"Review and fine-tune", "Adjust the plan based on results"},
		},
	},
	{
		Name:     "interview",
		Title:    "Interview prep",
		keywords: []string{"面试", "准备面试", "interview"},
		steps: []stepText{
			{"Review target role and resume", "Clarify the role requirements and update your resume"},
			{"Prepare common questions", "Self-introduction, project stories, strengths and weaknesses"},
			{"Mock interview and review", "Practice with someone or record yourself, then fix weak spots"},
		},
	},
	{
		Name:     "report",
		Title:    "Write report",
		keywords: []string{"报告", "写报告", "report"},
		steps: []stepText{
			{"Pick topic and outline", "Topic and chapter structure"},
			{"Collect sources and data", "Literature and data sources"},
			{"Write the first draft", "Complete a draft following the outline"},
			{"Revise and finalize", "Polish, format and submit"},
		},
	},
	{
		Name:     "study",
		Title:    "Study plan",
		keywords: []string{"学习", "学一门", "study", "learn"},
		steps: []stepText{
			{"Set learning goal and resources", "What to learn and which book or course to use"},
			{"Make a daily or weekly schedule", "How much per day and when to review"},
			{"Study and take notes", "Follow the schedule and write down key points"},
			{"Consolidate with practice", "Reinforce with a small project or exercises"},
		},
	},
	{
		Name:  "generic",
		Title: "New task",
		steps: []stepText{
			{"Clarify goal and scope", "Write the goal down and fix its scope"},
			{"Do the first small step", "Start with the smallest actionable step"},
			{"Work through in order", "Finish one step before starting the next"},
			{"Review and wrap up", "Check the goal is met and close it out"},
		},
	},
}

// Match returns the first template whose keywords appear in goal.
func Match(goal string) Template {
	lower := normalize(goal)
	for _, t := range templates {
		if len(t.keywords) == 0 || containsAny(lower, t.keywords) {
			return t
		}
	}
	return templates[len(templates)-1]
}

// Steps instantiates the template. The first step is doing, the rest todo.
func (t Template) Steps(gen ids.Generator) []tasks.Step {
	out := make([]tasks.Step, len(t.steps))
	for i, s := range t.steps {
		status := tasks.StepTodo
		if i == 0 {
			status = tasks.StepDoing
		}
		out[i] = tasks.Step{
			ID:          gen.NewID(),
			Title:       s.title,
			Description: s.description,
			Status:      status,
		}
	}
	return out
}

// Build returns the step list for a goal.
func Build(goal string, gen ids.Generator) []tasks.Step {
	return Match(goal).Steps(gen)
}

// TitleFor returns the task title for a goal.
func TitleFor(goal string) string {
	return Match(goal).Title
}
