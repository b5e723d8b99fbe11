package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
)

const kindVisualization = "visualization"

// ChartSpec is a renderer-neutral chart description stored as an artifact.
type ChartSpec struct {
	ID     string    `json:"id"`
	Type   string    `json:"type"`
	Title  string    `json:"title"`
	Labels []string  `json:"labels"`
	Values []float64 `json:"values"`
}

// ChartRef points at a stored chart artifact.
type ChartRef struct {
	ArtifactID string `json:"artifact_id"`
	Type       string `json:"type"`
	Title      string `json:"title"`
}

// Visualization is the output of the visualize stage.
type Visualization struct {
	Kind   string     `json:"kind"`
	Charts []ChartRef `json:"charts"`
}

// Charts derives chart specs from an analysis, in objective order.
func Charts(a Analysis) []ChartSpec {
	var out []ChartSpec

	if s := a.Sentiment; s != nil {
		out = append(out, ChartSpec{
			ID:     "sentiment",
			Type:   "pie",
			Title:  "Sentiment distribution",
			Labels: []string{"positive", "negative", "neutral"},
			Values: []float64{float64(s.Positive), float64(s.Negative), float64(s.Neutral)},
		})
	}

	if len(a.Topics) > 0 {
		c := ChartSpec{ID: "topics", Type: "bar", Title: "Top topics"}
		for _, t := range a.Topics {
			c.Labels = append(c.Labels, t.Term)
			c.Values = append(c.Values, float64(t.Mentions))
		}
		out = append(out, c)
	}

	if s := a.Summary; s != nil && s.Rated > 0 {
		c := ChartSpec{ID: "ratings", Type: "bar", Title: "Rating distribution"}
		for r := 1; r <= 5; r++ {
			label := strconv.Itoa(r)
			c.Labels = append(c.Labels, label)
			c.Values = append(c.Values, float64(s.Ratings[label]))
		}
		out = append(out, c)
	}

	return out
}

func chartArtifactID(c ChartSpec) string {
	return fmt.Sprintf("chart-%s.json", c.ID)
}

func encodeChart(c ChartSpec) ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}
