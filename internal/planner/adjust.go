package planner

import "github.com/antoniostano/stepwise/internal/tasks"

// Adjust returns a shortened copy of task: the first max(2, ceil(n/2)) steps,
// re-marked around the first doing step inside that prefix. Plans of two
// steps or fewer come back unchanged. The input is never modified.
func Adjust(task tasks.TaskPlan) tasks.TaskPlan {
	out := task.Clone()
	n := len(out.Steps)
	if n <= 2 {
		return out
	}
	keep := (n + 1) / 2
	if keep < 2 {
		keep = 2
	}
	kept := out.Steps[:keep]

	marker := 0
	for i, s := range kept {
		if s.Status == tasks.StepDoing {
			marker = i
			break
		}
	}
	for i := range kept {
		switch {
		case i < marker:
			kept[i].Status = tasks.StepDone
		case i == marker:
			kept[i].Status = tasks.StepDoing
		default:
			kept[i].Status = tasks.StepTodo
		}
	}
	out.Steps = kept
	out.Status = tasks.TaskStatusActive
	return out
}
