package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"campaignflow/internal/campaign"
	"campaignflow/internal/domain"
	"campaignflow/internal/pipeline"
)

const contentSystemPrompt = `You are a senior copywriter for a travel company writing promotional emails.

Respond with a JSON object containing:
- "subject": the email subject line, at most 60 characters
- "preheader": inbox preview text, at most 100 characters
- "headline": the hero headline
- "body": two or three short paragraphs of body copy, plain text
- "cta": the call-to-action button label, at most 25 characters
- "language": the BCP 47 language code of the copy

Respond ONLY with the JSON object, no additional text.`

const scoreSystemPrompt = `You are an email marketing reviewer. Judge the campaign email for
clarity, relevance to the brief, persuasiveness, brand tone and deliverability risk.

Respond with a JSON object containing:
- "score": overall quality from 0 to 100
- "dimensions": an object mapping each criterion to a 0-100 score
- "issues": an array of concrete problems, empty when there are none
- "recommendations": an array of concrete fixes

Respond ONLY with the JSON object, no additional text.`

func briefLines(b domain.Brief) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Topic: %s\n", b.Topic)
	fmt.Fprintf(&sb, "Destination: %s\n", b.Destination)
	if b.Origin != "" {
		fmt.Fprintf(&sb, "Origin: %s\n", b.Origin)
	}
	if b.Audience != "" {
		fmt.Fprintf(&sb, "Audience: %s\n", b.Audience)
	}
	if b.Tone != "" {
		fmt.Fprintf(&sb, "Tone: %s\n", b.Tone)
	}
	if b.Language != "" {
		fmt.Fprintf(&sb, "Language: %s\n", b.Language)
	}
	if b.DepartFrom != "" {
		fmt.Fprintf(&sb, "Travel window: %s to %s\n", b.DepartFrom, b.DepartTo)
	}
	if len(b.Tags) > 0 {
		fmt.Fprintf(&sb, "Tags: %s\n", strings.Join(b.Tags, ", "))
	}
	return sb.String()
}

func contentUserPrompt(b domain.Brief) string {
	return "Write the campaign email for this brief.\n\n" + briefLines(b)
}

func reviseUserPrompt(b domain.Brief, prior campaign.Content, fb pipeline.Feedback) string {
	priorJSON, _ := json.MarshalIndent(prior, "", "  ")
	var sb strings.Builder
	sb.WriteString("Revise the campaign email below. ")
	fmt.Fprintf(&sb, "The reviewer scored it %.0f; it needs at least %.0f.\n\n", fb.Score, fb.Threshold)
	sb.WriteString(briefLines(b))
	sb.WriteString("\nCurrent email:\n")
	sb.Write(priorJSON)
	sb.WriteString("\n")
	if len(fb.Issues) > 0 {
		sb.WriteString("\nIssues to fix:\n")
		for _, is := range fb.Issues {
			fmt.Fprintf(&sb, "- %s\n", is)
		}
	}
	if len(fb.Recommendations) > 0 {
		sb.WriteString("\nReviewer recommendations:\n")
		for _, r := range fb.Recommendations {
			fmt.Fprintf(&sb, "- %s\n", r)
		}
	}
	return sb.String()
}

// maxHTMLPrompt bounds the rendered HTML sent to the reviewer.
const maxHTMLPrompt = 12000

func scoreUserPrompt(in campaign.ScoreInput) string {
	contentJSON, _ := json.MarshalIndent(in.Content, "", "  ")
	html := in.HTML
	if len(html) > maxHTMLPrompt {
		html = html[:maxHTMLPrompt]
	}
	return "Brief:\n" + briefLines(in.Brief) +
		"\nCopy:\n" + string(contentJSON) +
		"\n\nRendered HTML:\n" + html
}
