// Package summarization holds the summarization provider adapters.
package summarization

import (
	"fmt"
	"strings"
)

// Style selects the summary prompt.
type Style string

// Summary styles
const (
	StyleProfessional Style = "professional"
	StyleBulletPoints Style = "bullet_points"
	StyleBrief        Style = "brief"
	StyleDetailed     Style = "detailed"
)

const systemPrompt = "You are an expert at summarizing transcriptions and meeting notes. " +
	"Provide clear, actionable summaries."

var templates = map[Style]string{
	StyleProfessional: `You are a professional transcription summarizer. Create a clear,
well-structured summary of the following transcription.

Focus on:
- Key discussion points and main topics
- Important decisions or conclusions reached
- Action items or next steps mentioned
- Names of speakers and their main contributions (if identifiable)

Transcription:
%s

Please provide a professional summary:`,

	StyleBulletPoints: `Summarize the following transcription into clear bullet points.

Focus on:
- Main topics discussed
- Key decisions or outcomes
- Action items with owners (if mentioned)
- Important quotes or statements

Transcription:
%s

Bullet point summary:`,

	StyleBrief: `Provide a brief 2-3 sentence summary of the following transcription,
capturing only the most essential points.

Transcription:
%s

Brief summary:`,

	StyleDetailed: `Create a comprehensive, detailed summary of the following transcription.

Include:
- Executive summary (2-3 sentences)
- Main discussion topics with details
- Decisions made and their rationale
- Action items with deadlines (if mentioned)
- Key quotes or important statements
- Any unresolved issues or follow-up items

Transcription:
%s

Detailed summary:`,
}

// ParseStyle returns the named style, or StyleProfessional if unknown.
func ParseStyle(s string) Style {
	st := Style(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := templates[st]; ok {
		return st
	}
	return StyleProfessional
}

// BuildPrompt renders the user prompt for text in the given style.
// maxWords caps the summary length when positive.
func BuildPrompt(style Style, text string, maxWords int) string {
	tmpl, ok := templates[style]
	if !ok {
		tmpl = templates[StyleProfessional]
	}
	prompt := fmt.Sprintf(tmpl, text)
	if maxWords > 0 {
		prompt += fmt.Sprintf("\n\nKeep the summary under %d words.", maxWords)
	}
	return prompt
}
