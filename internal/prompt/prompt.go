package prompt

import "strings"

// Template is a plain string with {{name}} placeholders. The pipeline treats
// rendered templates as opaque instruction text.
type Template string

// Render substitutes {{key}} placeholders from vars. Unknown placeholders
// are left in place so a malformed template is visible rather than silently
// blanked.
func (t Template) Render(vars map[string]string) string {
	out := string(t)
	for key, value := range vars {
		out = strings.ReplaceAll(out, "{{"+key+"}}", value)
	}
	return out
}

// Summary condenses older conversation turns into a synthetic context entry
// of roughly {{target_tokens}} tokens.
const Summary Template = `Summarize the conversation below into at most {{target_tokens}} tokens.
Keep every fact, decision, open question, and user preference that later turns may rely on.
Write in compact prose, no preamble.

Conversation:
{{content}}`

// Title produces a short conversation title from the first exchange.
const Title Template = `Write a title of at most six words for the conversation below.
Respond with the title only, no quotes or punctuation at the end.

Conversation:
{{content}}`

// Suggestions proposes follow-up messages the user might send next.
const Suggestions Template = `Given the conversation below, suggest three short follow-up messages the user could send next.
Respond with one suggestion per line, nothing else.

Conversation:
{{content}}`
