package approval

import "strings"

// Answer is one operator answer, split into the chosen decision token and an
// optional free-form reason.
type Answer struct {
	Decision string
	Reason   string
}

// ParseAnswer splits an operator answer on the first colon. Text before the
// colon is the decision, text after it the reason; both are trimmed. A
// reason containing further colons is preserved verbatim. Without a colon
// the whole trimmed string is the decision.
func ParseAnswer(s string) Answer {
	decision, reason, found := strings.Cut(s, ":")
	if !found {
		return Answer{Decision: strings.TrimSpace(s)}
	}
	return Answer{
		Decision: strings.TrimSpace(decision),
		Reason:   strings.TrimSpace(reason),
	}
}
