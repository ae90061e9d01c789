package approval

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// summaryKeys are the tool input keys worth surfacing in a one-line prompt,
// in preference order.
var summaryKeys = []string{"command", "file_path", "path", "pattern", "query", "url", "content"}

// maxSummaryValueLen bounds how much of a tool input value makes it into the
// operator prompt.
const maxSummaryValueLen = 100

// patchKeywords mark an exec-family prompt as a file modification request.
var patchKeywords = regexp.MustCompile(`(?i)\b(patch|apply|modify|delete|create|write)\b`)

// Classify maps an agent approval request (tool name plus raw input) to an
// operator-facing question. Plan-mode exits and explicit user questions get
// their own kinds; every other tool name is a generic tool approval.
func Classify(id, toolName string, input map[string]any) *Question {
	switch toolName {
	case "ExitPlanMode", "exit_plan_mode":
		return &Question{
			ID:   id,
			Kind: KindPlanApproval,
			Items: []SubQuestion{{
				Question: planPrompt(input),
				Options:  []string{"approve", "reject"},
			}},
			OriginalInput: input,
		}
	case "AskUserQuestion", "ask_user_question":
		return &Question{
			ID:            id,
			Kind:          KindQuestion,
			Items:         subQuestions(input),
			OriginalInput: input,
		}
	default:
		return &Question{
			ID:   id,
			Kind: KindToolApproval,
			Items: []SubQuestion{{
				Question: toolPrompt(toolName, input),
				Options:  []string{"allow", "deny"},
			}},
			OriginalInput: input,
		}
	}
}

// ClassifyPrompt maps an exec-family free-form approval prompt to a question.
// Prompts mentioning file modification become patch approvals, everything
// else a command approval.
func ClassifyPrompt(id, prompt string) *Question {
	kind := KindCommandApproval
	if patchKeywords.MatchString(prompt) {
		kind = KindPatchApproval
	}
	return &Question{
		ID:   id,
		Kind: kind,
		Items: []SubQuestion{{
			Question: strings.TrimSpace(prompt),
			Options:  []string{"approve", "deny"},
		}},
	}
}

// Translate maps the operator's answers to the response delivered back to
// the agent. The first answer carries the decision; see ParseAnswer for the
// decision/reason split.
func Translate(q *Question, answers []string) Response {
	var first Answer
	if len(answers) > 0 {
		first = ParseAnswer(answers[0])
	}

	switch q.Kind {
	case KindPlanApproval:
		if first.Decision == "approve" {
			return Response{Allow: true, UpdatedInput: q.OriginalInput}
		}
		return Response{Allow: false, Message: first.Reason}

	case KindQuestion:
		updated := make(map[string]any, len(q.OriginalInput)+1)
		for k, v := range q.OriginalInput {
			updated[k] = v
		}
		updated["answers"] = answers
		return Response{Allow: true, UpdatedInput: updated}

	case KindCommandApproval, KindPatchApproval:
		switch first.Decision {
		case "approve", "allow", "yes":
			return Response{Allow: true, Message: first.Reason}
		default:
			return Response{Allow: false, Message: first.Reason}
		}

	default: // KindToolApproval
		if first.Decision == "allow" {
			return Response{Allow: true}
		}
		return Response{Allow: false, Message: first.Reason}
	}
}

// toolPrompt builds a one-line prompt naming the tool and summarizing its
// input from a small set of known keys.
func toolPrompt(toolName string, input map[string]any) string {
	summary := summarizeInput(input)
	if summary == "" {
		return fmt.Sprintf("Allow tool %s?", toolName)
	}
	return fmt.Sprintf("Allow tool %s? (%s)", toolName, summary)
}

// summarizeInput picks the first known key present in the input and renders
// it, truncated.
func summarizeInput(input map[string]any) string {
	for _, key := range summaryKeys {
		raw, ok := input[key]
		if !ok {
			continue
		}
		value := fmt.Sprintf("%v", raw)
		if len(value) > maxSummaryValueLen {
			cut := maxSummaryValueLen
			// back up to a rune boundary so the prompt stays valid UTF-8
			for cut > 0 && !utf8.RuneStart(value[cut]) {
				cut--
			}
			value = value[:cut] + "..."
		}
		return fmt.Sprintf("%s: %s", key, value)
	}
	return ""
}

// planPrompt embeds the plan text, or a pretty-printed dump of the input
// when the plan field is absent.
func planPrompt(input map[string]any) string {
	if plan, ok := input["plan"].(string); ok && plan != "" {
		return fmt.Sprintf("Approve this plan?\n\n%s", plan)
	}
	pretty, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return "Approve this plan?"
	}
	return fmt.Sprintf("Approve this plan?\n\n%s", pretty)
}

// subQuestions passes the agent-supplied question list through verbatim.
func subQuestions(input map[string]any) []SubQuestion {
	rawList, ok := input["questions"].([]any)
	if !ok {
		return []SubQuestion{{Question: "Answer the agent's question", Options: nil}}
	}
	items := make([]SubQuestion, 0, len(rawList))
	for _, raw := range rawList {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		item := SubQuestion{}
		if q, ok := entry["question"].(string); ok {
			item.Question = q
		}
		if opts, ok := entry["options"].([]any); ok {
			for _, opt := range opts {
				if s, ok := opt.(string); ok {
					item.Options = append(item.Options, s)
				}
			}
		}
		items = append(items, item)
	}
	return items
}
