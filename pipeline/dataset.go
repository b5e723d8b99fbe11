package pipeline

import (
	"fmt"
	"strings"

	"github.com/hupe1980/insightmesh/core"
)

// Known sources.
const (
	SourceDemo   = "demo"
	SourceInline = "inline"
)

// Record is a single piece of customer feedback.
type Record struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Rating int    `json:"rating,omitempty"`
}

// Dataset is the output of the ingest stage.
type Dataset struct {
	Kind    string   `json:"kind"`
	Source  string   `json:"source"`
	Records []Record `json:"records"`
}

const kindDataset = "dataset"

var demoRecords = []Record{
	{ID: "r1", Text: "Great product, setup was fast and easy. Would recommend.", Rating: 5},
	{ID: "r2", Text: "Delivery was late and the support team was rude.", Rating: 1},
	{ID: "r3", Text: "Good value for the price. Battery life is excellent.", Rating: 4},
	{ID: "r4", Text: "The app keeps crashing after the update, very disappointed.", Rating: 2},
	{ID: "r5", Text: "Support was helpful and friendly, problem fixed quickly.", Rating: 5},
	{ID: "r6", Text: "Battery drains fast and the charger broke after a week.", Rating: 2},
	{ID: "r7", Text: "Love the design. The app is easy to use.", Rating: 5},
	{ID: "r8", Text: "Delivery took two weeks, price is too expensive for what you get.", Rating: 2},
	{ID: "r9", Text: "Reliable product, good battery and a clean app.", Rating: 4},
	{ID: "r10", Text: "Average experience. Nothing special about the design.", Rating: 3},
}

// DemoRecords returns a copy of the bundled review records.
func DemoRecords() []Record {
	return append([]Record(nil), demoRecords...)
}

// loadDataset resolves a source into records. raw carries inline records as
// strings or objects with text, rating and id fields.
func loadDataset(source string, raw any) (Dataset, error) {
	switch source {
	case SourceDemo:
		return Dataset{Kind: kindDataset, Source: source, Records: DemoRecords()}, nil
	case SourceInline:
		records, err := parseRecords(raw)
		if err != nil {
			return Dataset{}, err
		}
		return Dataset{Kind: kindDataset, Source: source, Records: records}, nil
	default:
		return Dataset{}, core.NewValidationError("source", "unknown source %q", source)
	}
}

func parseRecords(raw any) ([]Record, error) {
	items, ok := raw.([]any)
	if !ok {
		if recs, isRecs := raw.([]Record); isRecs && len(recs) > 0 {
			return append([]Record(nil), recs...), nil
		}
		if strs, isStrs := raw.([]string); isStrs {
			items = make([]any, len(strs))
			for i, s := range strs {
				items[i] = s
			}
		} else {
			return nil, core.NewValidationError("parameters.records", "inline source requires a records list")
		}
	}

	if len(items) == 0 {
		return nil, core.NewValidationError("parameters.records", "inline source requires at least one record")
	}

	records := make([]Record, 0, len(items))
	for i, item := range items {
		rec := Record{ID: fmt.Sprintf("r%d", i+1)}

		switch v := item.(type) {
		case string:
			rec.Text = v
		case map[string]any:
			rec.Text, _ = v["text"].(string)
			if id, ok := v["id"].(string); ok && id != "" {
				rec.ID = id
			}
			switch r := v["rating"].(type) {
			case int:
				rec.Rating = r
			case float64:
				rec.Rating = int(r)
			}
		default:
			return nil, core.NewValidationError("parameters.records", "record %d has unsupported type %T", i, item)
		}

		if strings.TrimSpace(rec.Text) == "" {
			return nil, core.NewValidationError("parameters.records", "record %d has no text", i)
		}
		if rec.Rating < 0 || rec.Rating > 5 {
			return nil, core.NewValidationError("parameters.records", "record %d rating %d out of range", i, rec.Rating)
		}

		records = append(records, rec)
	}

	return records, nil
}
