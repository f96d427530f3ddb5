// Package planner turns free-text goals into step plans and classifies what a
// user utterance asks of the current plan.
package planner

import "strings"

type Intent string

const (
	IntentAdvance  Intent = "advance"
	IntentAdjust   Intent = "adjust"
	IntentGoal     Intent = "goal"
	IntentFallback Intent = "fallback"
)

var (
	advanceKeywords = []string{
		"下一步", "然后呢", "然后", "这个步骤完成了", "完成了",
		"做完", "做好了", "搞定了", "弄好了", "继续",
		"next step", "what's next", "what next", "done", "finished",
		"completed", "continue", "move on",
	}
	adjustKeywords = []string{
		"计划太紧", "太紧了", "简单一点", "简单些", "时间不够", "能改一下",
		"改一下", "调整", "减少", "合并", "少一点", "精简",
		"too tight", "simplify", "simpler", "not enough time", "adjust",
		"reduce", "merge", "fewer steps", "shorten",
	}
	goalKeywords = []string{
		"规划", "计划", "帮我", "想要", "想准备", "准备一次", "准备一场",
		"旅行", "旅游", "日本", "健身", "减肥", "学习", "学一门", "写报告",
		"准备面试", "面试", "考证", "考试", "搬家", "装修", "婚礼",
		"plan", "help me", "i want", "prepare", "travel", "trip", "japan",
		"fitness", "workout", "lose weight", "study", "learn", "report",
		"interview", "certification", "exam", "moving house", "renovat", "wedding",
	}
)

// Classify maps an utterance to an intent by literal substring match.
// Advance wins over Adjust, which wins over Goal.
func Classify(utterance string) Intent {
	lower := normalize(utterance)
	switch {
	case containsAny(lower, advanceKeywords):
		return IntentAdvance
	case containsAny(lower, adjustKeywords):
		return IntentAdjust
	case containsAny(lower, goalKeywords):
		return IntentGoal
	default:
		return IntentFallback
	}
}

// IsGoal reports whether the utterance matches the goal keyword set, ignoring
// the higher-priority sets.
func IsGoal(utterance string) bool {
	return containsAny(normalize(utterance), goalKeywords)
}

func normalize(in string) string {
	return strings.ToLower(strings.TrimSpace(in))
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
