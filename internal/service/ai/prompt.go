package ai

import (
	"fmt"

	"github.com/aroproduction/embot-server/internal/analysis/emotion"
)

// BuildSystemPrompt synthesizes the per-request system instruction. It is
// rebuilt from the latest tracked emotion on every send and never persisted.
func BuildSystemPrompt(label emotion.Label) string {
	if !label.Valid() {
		label = emotion.Neutral
	}

	base := fmt.Sprintf(
		"You are a friendly, empathetic AI assistant in an emotion-aware chat. "+
			"Real-time facial expression analysis suggests the user currently appears to be feeling %s. "+
			"Keep that emotional state in mind while replying, without explicitly mentioning that their expression is being analyzed.",
		label,
	)

	if hint := toneHint(label); hint != "" {
		return base + " " + hint
	}
	return base
}

func toneHint(label emotion.Label) string {
	switch label {
	case emotion.Happy:
		return "Match their upbeat mood and keep the conversation light."
	case emotion.Sad:
		return "Be gentle and supportive; acknowledge their feelings before anything else."
	case emotion.Angry:
		return "Stay calm and measured; avoid anything that could read as dismissive."
	case emotion.Fearful:
		return "Be reassuring and steady; reduce uncertainty where you can."
	case emotion.Disgusted:
		return "Acknowledge their discomfort and move the conversation somewhere more pleasant."
	case emotion.Surprised:
		return "They may be reacting to something unexpected; be clear and grounding."
	case emotion.Neutral:
		return "Keep a natural, polite and helpful tone."
	default:
		return ""
	}
}
