package session

import (
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"
)

var cannedReplies = []struct {
	phrases []string
	reply   string
}{
	{[]string{"hello", "hi"}, "Hello! How can I help you today?"},
	{[]string{"how are you", "how's it going"}, "I'm doing great, thank you for asking! How can I assist you?"},
	{[]string{"help", "support"}, "I'd be happy to help! What specific questions do you have?"},
	{[]string{"thanks", "thank you"}, "You're welcome! Is there anything else I can help you with?"},
	{[]string{"bye", "goodbye"}, "Goodbye! Feel free to reach out if you need anything else."},
}

var fallbackTemplates = []string{
	"I understand you said \"%s\". That's an interesting point. Let me help you with that.",
	"Based on what you mentioned about \"%s\", I think the best approach would be to consider all the available options carefully.",
	"Thank you for sharing \"%s\". Here's what I think about that topic.",
	"I heard you say \"%s\". That's a great question. Let me provide you with some insights.",
	"Regarding \"%s\", I believe we should explore this further. Here's my analysis.",
}

// FallbackReply builds a reply without any network access. The same
// transcript always yields the same reply.
func FallbackReply(transcript string) string {
	transcript = strings.TrimSpace(transcript)
	normalized := " " + normalizeWords(transcript) + " "
	for _, canned := range cannedReplies {
		for _, phrase := range canned.phrases {
			if strings.Contains(normalized, " "+phrase+" ") {
				return canned.reply
			}
		}
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(transcript))
	template := fallbackTemplates[h.Sum32()%uint32(len(fallbackTemplates))]
	return fmt.Sprintf(template, transcript)
}

func normalizeWords(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	return strings.Join(fields, " ")
}
