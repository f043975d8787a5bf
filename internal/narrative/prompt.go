package narrative

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/spf13/cast"

	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/engine"
)

var (
	ErrMissingRequest = errors.New("request required for prompt assembly")
)

// maxMemoryChars truncates each retrieved memory in the prompt.
const maxMemoryChars = 1200

// maxHistoryEntries bounds how much conversation history is replayed.
const maxHistoryEntries = 6

// planKeysRendered are the plan keys with dedicated formatting; any other key
// is listed verbatim under the plan section.
var planKeysRendered = []string{
	engine.PlanIntent,
	engine.PlanTone,
	engine.PlanStructure,
	engine.PlanConstraints,
	engine.PlanMemoryIDs,
	engine.PlanTargetLength,
	engine.PlanStrictness,
	engine.PlanTier,
	engine.PlanCharacters,
	engine.PlanRepairFeedback,
	engine.PlanRepairAttempt,
}

// AssemblePrompt builds the writer prompt from the request, the query
// understanding, the retrieved memories and the director's plan. Memories
// are ordered by score, highest first, whatever order they arrive in.
func AssemblePrompt(req *engine.EngineRequest, understanding engine.QueryUnderstandingResult, memories []engine.RetrievedMemory, plan engine.Plan, tier engine.UserTier) (string, error) {
	if req == nil {
		return "", ErrMissingRequest
	}

	sorted := make([]engine.RetrievedMemory, len(memories))
	copy(sorted, memories)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	var b strings.Builder

	b.WriteString("You are a co-author on a long-running serialized novel. ")
	b.WriteString("Your task is to write the next passage the reader asked for, ")
	b.WriteString("staying faithful to established canon and to every hard constraint below.\n\n")

	writeRequest(&b, req, understanding, tier)
	writeHistory(&b, req)
	writePlan(&b, plan)
	writeConstraints(&b, understanding)
	writeMemories(&b, sorted)
	writeFeedback(&b, plan)
	writeTask(&b, plan, understanding)

	return b.String(), nil
}

func writeRequest(b *strings.Builder, req *engine.EngineRequest, understanding engine.QueryUnderstandingResult, tier engine.UserTier) {
	b.WriteString("# Request\n\n")
	b.WriteString(req.UserQuery() + "\n\n")

	intent := understanding.SearchIntent
	if intent == "" {
		intent = "generic"
	}
	b.WriteString(fmt.Sprintf("**Intent:** %s\n\n", intent))
	if len(understanding.Keywords) > 0 {
		b.WriteString(fmt.Sprintf("**Keywords:** %s\n\n", strings.Join(understanding.Keywords, ", ")))
	}
	b.WriteString(fmt.Sprintf("**Reader Tier:** %s\n\n", tier.Value()))

	if style, ok := engine.StringValue(req.Context(), engine.ContextStyle); ok {
		b.WriteString(fmt.Sprintf("**Style:** %s\n\n", style))
	}
}

func writeHistory(b *strings.Builder, req *engine.EngineRequest) {
	history := engine.StringListValue(req.Context(), engine.ContextHistory)
	if len(history) == 0 {
		return
	}
	if len(history) > maxHistoryEntries {
		history = history[len(history)-maxHistoryEntries:]
	}

	b.WriteString("# Story So Far\n\n")
	for _, h := range history {
		b.WriteString(fmt.Sprintf("- %s\n", h))
	}
	b.WriteString("\n")
}

func writePlan(b *strings.Builder, plan engine.Plan) {
	b.WriteString("# Plan\n\n")
	if len(plan) == 0 {
		b.WriteString("- (no plan provided)\n\n")
		return
	}

	if tone := cast.ToString(plan[engine.PlanTone]); tone != "" {
		b.WriteString(fmt.Sprintf("**Tone:** %s\n\n", tone))
	}
	if structure := cast.ToStringSlice(plan[engine.PlanStructure]); len(structure) > 0 {
		b.WriteString("**Structure:**\n")
		for i, step := range structure {
			b.WriteString(fmt.Sprintf("%d. %s\n", i+1, step))
		}
		b.WriteString("\n")
	}
	if chars := cast.ToStringSlice(plan[engine.PlanCharacters]); len(chars) > 0 {
		b.WriteString(fmt.Sprintf("**Characters:** %s\n\n", strings.Join(chars, ", ")))
	}
	if n := cast.ToInt(plan[engine.PlanTargetLength]); n > 0 {
		b.WriteString(fmt.Sprintf("**Target Length:** about %d tokens\n\n", n))
	}
	if s := cast.ToString(plan[engine.PlanStrictness]); s != "" {
		b.WriteString(fmt.Sprintf("**Canon Strictness:** %s\n\n", s))
	}

	var extra []string
	for k := range plan {
		if !slices.Contains(planKeysRendered, k) {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		b.WriteString(fmt.Sprintf("- %s: %v\n", k, plan[k]))
	}
	if len(extra) > 0 {
		b.WriteString("\n")
	}
}

func writeConstraints(b *strings.Builder, understanding engine.QueryUnderstandingResult) {
	b.WriteString("# Hard Constraints\n\n")
	if len(understanding.MustInclude) == 0 && len(understanding.MustAvoid) == 0 {
		b.WriteString("- (none)\n\n")
		return
	}
	for _, p := range understanding.MustInclude {
		b.WriteString(fmt.Sprintf("- Must include: %q\n", p))
	}
	for _, p := range understanding.MustAvoid {
		b.WriteString(fmt.Sprintf("- Must avoid: %q\n", p))
	}
	b.WriteString("\n")
}

func writeMemories(b *strings.Builder, memories []engine.RetrievedMemory) {
	if len(memories) == 0 {
		return
	}

	b.WriteString("# Retrieved Memories\n\n")
	b.WriteString("The following passages from earlier chapters are canon. Use them for continuity, not as text to repeat:\n\n")
	for _, m := range memories {
		content := m.Content
		if r := []rune(content); len(r) > maxMemoryChars {
			content = string(r[:maxMemoryChars]) + "..."
		}
		b.WriteString(fmt.Sprintf("**Memory %s** (relevance: %.2f)\n", m.ID, m.Score))
		b.WriteString(content + "\n\n")
	}
}

func writeFeedback(b *strings.Builder, plan engine.Plan) {
	feedback := violationsFrom(plan[engine.PlanRepairFeedback])
	if len(feedback) == 0 {
		return
	}

	b.WriteString("# Previous Attempt Feedback\n\n")
	b.WriteString("An earlier draft was rejected by the consistency review. Fix every issue below in the new draft:\n\n")
	for _, v := range feedback {
		rule := v.Rule()
		if rule == "" {
			rule = "issue"
		}
		b.WriteString(fmt.Sprintf("- [%s] %s\n", rule, v.Message()))
	}
	b.WriteString("\n")
}

func writeTask(b *strings.Builder, plan engine.Plan, understanding engine.QueryUnderstandingResult) {
	intent := cast.ToString(plan[engine.PlanIntent])
	if intent == "" {
		intent = understanding.SearchIntent
	}

	b.WriteString("# Task\n\n")
	switch intent {
	case "continue":
		b.WriteString("Continue the story from where it left off, following the plan's structure.\n")
	case "dialogue":
		b.WriteString("Write the requested dialogue scene. Keep each character's voice consistent with the memories.\n")
	case "describe":
		b.WriteString("Write the requested description with concrete sensory detail.\n")
	case "summarize":
		b.WriteString("Summarize the requested events faithfully. Do not add events that are not in the memories.\n")
	case "outline":
		b.WriteString("Produce a chapter outline as a numbered list.\n")
	case "rewrite":
		b.WriteString("Rewrite the requested passage, keeping its events and changing only what was asked.\n")
	default:
		b.WriteString("Write the passage the reader asked for.\n")
	}
	b.WriteString("Honor every hard constraint exactly as written. ")
	b.WriteString("Do not contradict the retrieved memories or invent backstory for established characters. ")
	b.WriteString("Return only the passage, with no headings or commentary.\n")
}

// violationsFrom accepts the feedback shapes a plan may carry: the
// orchestrator's []engine.Violation or a decoded []any of maps.
func violationsFrom(raw any) []engine.Violation {
	switch v := raw.(type) {
	case []engine.Violation:
		return v
	case []map[string]any:
		out := make([]engine.Violation, 0, len(v))
		for _, m := range v {
			out = append(out, engine.Violation(m))
		}
		return out
	case []any:
		out := make([]engine.Violation, 0, len(v))
		for _, item := range v {
			switch m := item.(type) {
			case engine.Violation:
				out = append(out, m)
			case map[string]any:
				out = append(out, engine.Violation(m))
			}
		}
		return out
	}
	return nil
}
