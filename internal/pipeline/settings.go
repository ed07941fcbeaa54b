package pipeline

import "strings"

// Defaults substituted for unrecognized connect parameters.
const (
	DefaultVoice          = "alloy"
	DefaultResponseLength = "normal"
)

// voices is the set of synthesis voices the upstream model accepts.
var voices = map[string]struct{}{
	"alloy": {}, "ash": {}, "ballad": {}, "coral": {}, "echo": {},
	"sage": {}, "shimmer": {}, "verse": {}, "marin": {}, "cedar": {},
}

// topicSlot marks where the conversation-topic section is spliced into the
// instruction template.
const topicSlot = "[TOPIC SECTION]"

const noTopicSection = "## No conversation topic is set, talk freely about anything."

// instructionTemplate is the system prompt sent to the upstream model when
// the agent connects, minus the per-session topic section.
const instructionTemplate = `# You are an assistant for learning foreign languages through live conversation

## Main task
Help users master languages through active communication, error correction, and conversational practice.

` + topicSlot + `

## Key principles
1. ALWAYS respond in the same language as the user's last message.
2. Be PROACTIVE - ask questions, share information, don't wait for the user to take initiative.
3. DIRECTLY point out errors without excessive politeness: "This is incorrect. Correct: [correction]".
4. Strictly adhere to the given conversation topic.
5. If no topic is specified, maintain everyday conversation, but remain proactive.
6. Keep responses brief and understandable.

## Error correction
- Do not soften criticism. Briefly explain the reason for the error and the relevant rule.
- Provide the correct wording or expression.

## Conversation structure
1. At the start of a conversation, introduce yourself and begin a dialogue on the topic.
2. Ask at least one question in each response.
3. Adapt to the user's language proficiency level.`

// Length directives appended for non-normal response lengths.
const (
	shortDirective = "## Response length\nKeep every reply to one or two short sentences."
	longDirective  = "## Response length\nGive detailed replies of four or more sentences, with examples where they help."
)

// Settings are the per-session dialogue options taken from the connect
// request.
type Settings struct {
	Voice          string
	Topic          string
	ResponseLength string
}

// ResolveSettings normalizes raw connect parameters: voices and lengths are
// matched case-insensitively against the allowed sets with unknown values
// falling back to the defaults, and the literal topic "none" means no topic.
func ResolveSettings(voice, topic, length string) Settings {
	voice = strings.ToLower(voice)
	if _, ok := voices[voice]; !ok {
		voice = DefaultVoice
	}

	length = strings.ToLower(length)
	switch length {
	case "short", "normal", "long":
	default:
		length = DefaultResponseLength
	}

	if topic == "none" {
		topic = ""
	}
	return Settings{Voice: voice, Topic: topic, ResponseLength: length}
}

// Instructions renders the system prompt for this session. The topic section
// is substituted into the template; short and long sessions get a trailing
// length directive, normal adds nothing.
func (s Settings) Instructions() string {
	section := noTopicSection
	if s.Topic != "" {
		section = "## Conversation topic: " + s.Topic
	}
	prompt := strings.Replace(instructionTemplate, topicSlot, section, 1)

	switch s.ResponseLength {
	case "short":
		prompt += "\n\n" + shortDirective
	case "long":
		prompt += "\n\n" + longDirective
	}
	return prompt
}
