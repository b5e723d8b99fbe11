package pipeline

import (
	"fmt"
	"strings"

	"github.com/hupe1980/insightmesh/internal/util"
)

const kindNarrative = "narrative"

// Narrative is the output of the narrate stage.
type Narrative struct {
	Kind     string `json:"kind"`
	Text     string `json:"text"`
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
}

// DefaultTemplate renders a narrative without a model.
const DefaultTemplate = `{{.Title}}

{{if .Findings}}Key findings:
{{range .Findings}}- {{.Title}}: {{.Detail}}
{{end}}{{else}}No findings were produced.
{{end}}{{if .Charts}}
Charts: {{join ", " .Charts}}
{{end}}`

const systemPrompt = "You are an analytics assistant. Write a concise report for a business audience " +
	"based only on the findings provided. Do not invent numbers."

type narrativeData struct {
	Title    string
	Tone     string
	Findings []Finding
	Charts   []string
}

func newNarrativeData(title, tone string, a Analysis, vis []Visualization) narrativeData {
	d := narrativeData{Title: title, Tone: tone, Findings: a.Findings}
	for _, v := range vis {
		for _, c := range v.Charts {
			d.Charts = append(d.Charts, c.Title)
		}
	}
	return d
}

func renderNarrative(tmpl string, d narrativeData) (string, error) {
	text, err := util.RenderTemplate(tmpl, d)
	if err != nil {
		return "", fmt.Errorf("render narrative: %w", err)
	}
	return strings.TrimSpace(text), nil
}

func narrativePrompt(d narrativeData) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Report title: %s\n", d.Title)
	if d.Tone != "" {
		fmt.Fprintf(&sb, "Tone: %s\n", d.Tone)
	}
	sb.WriteString("Findings:\n")
	for _, f := range d.Findings {
		fmt.Fprintf(&sb, "- [%s] %s: %s (score %.2f)\n", f.Objective, f.Title, f.Detail, f.Score)
	}
	if len(d.Charts) > 0 {
		fmt.Fprintf(&sb, "Charts available: %s\n", strings.Join(d.Charts, ", "))
	}
	return sb.String()
}
