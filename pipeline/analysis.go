package pipeline

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/hupe1980/insightmesh/core"
)

// Known objectives.
const (
	ObjectiveSentiment = "sentiment"
	ObjectiveTopics    = "topics"
	ObjectiveSummary   = "summary"
)

// Objectives lists the supported objectives in their canonical order.
var Objectives = []string{ObjectiveSentiment, ObjectiveTopics, ObjectiveSummary}

const kindAnalysis = "analysis"

// Finding is one insight produced by an analysis.
type Finding struct {
	Objective string  `json:"objective"`
	Title     string  `json:"title"`
	Detail    string  `json:"detail"`
	Score     float64 `json:"score"`
}

// SentimentSummary counts records per polarity. Score is the mean polarity in
// [-1, 1].
type SentimentSummary struct {
	Positive int     `json:"positive"`
	Negative int     `json:"negative"`
	Neutral  int     `json:"neutral"`
	Score    float64 `json:"score"`
}

// Topic is a recurring term and the number of records mentioning it.
type Topic struct {
	Term     string `json:"term"`
	Mentions int    `json:"mentions"`
}

// Summary describes the dataset as a whole.
type Summary struct {
	Records       int            `json:"records"`
	Rated         int            `json:"rated"`
	AverageRating float64        `json:"average_rating"`
	AverageWords  float64        `json:"average_words"`
	Ratings       map[string]int `json:"ratings,omitempty"`
}

// Analysis is the output of an analyze task.
type Analysis struct {
	Kind       string            `json:"kind"`
	Objectives []string          `json:"objectives"`
	Findings   []Finding         `json:"findings"`
	Sentiment  *SentimentSummary `json:"sentiment,omitempty"`
	Topics     []Topic           `json:"topics,omitempty"`
	Summary    *Summary          `json:"summary,omitempty"`
}

// InsightCount reports the number of findings.
func (a Analysis) InsightCount() int { return len(a.Findings) }

var (
	positiveWords = wordSet("good", "great", "excellent", "love", "fast", "friendly", "easy",
		"helpful", "amazing", "happy", "recommend", "reliable", "clean", "quickly", "value")
	negativeWords = wordSet("bad", "slow", "poor", "broke", "broken", "terrible", "hate", "expensive",
		"rude", "difficult", "late", "disappointed", "crashing", "crash", "drains")
	stopWords = wordSet("a", "an", "and", "the", "is", "was", "it", "to", "for", "of", "after",
		"about", "are", "be", "but", "by", "in", "on", "or", "so", "too", "very", "what", "with",
		"you", "your", "get", "keeps", "took", "two", "week", "weeks", "would", "nothing", "this",
		"that", "use", "up", "i", "my", "we", "our")
)

func wordSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Analyze runs objectives over ds. topTopics bounds the topics reported;
// values below one mean three.
func Analyze(ds Dataset, objectives []string, topTopics int) (Analysis, error) {
	if len(ds.Records) == 0 {
		return Analysis{}, fmt.Errorf("dataset from %s has no records", ds.Source)
	}
	if topTopics < 1 {
		topTopics = 3
	}

	out := Analysis{Kind: kindAnalysis, Objectives: append([]string(nil), objectives...), Findings: []Finding{}}

	for _, obj := range objectives {
		switch obj {
		case ObjectiveSentiment:
			s := sentiment(ds.Records)
			out.Sentiment = &s
			out.Findings = append(out.Findings, sentimentFindings(s)...)
		case ObjectiveTopics:
			out.Topics = topics(ds.Records, topTopics)
			for _, t := range out.Topics {
				out.Findings = append(out.Findings, Finding{
					Objective: ObjectiveTopics,
					Title:     fmt.Sprintf("Recurring topic: %s", t.Term),
					Detail:    fmt.Sprintf("%d of %d records mention %q", t.Mentions, len(ds.Records), t.Term),
					Score:     float64(t.Mentions) / float64(len(ds.Records)),
				})
			}
		case ObjectiveSummary:
			s := summarize(ds.Records)
			out.Summary = &s
			detail := fmt.Sprintf("%d records, %.1f words on average", s.Records, s.AverageWords)
			if s.Rated > 0 {
				detail += fmt.Sprintf(", average rating %.1f", s.AverageRating)
			}
			out.Findings = append(out.Findings, Finding{
				Objective: ObjectiveSummary,
				Title:     "Dataset overview",
				Detail:    detail,
				Score:     s.AverageRating,
			})
		default:
			return Analysis{}, core.NewValidationError("objectives", "unknown objective %q", obj)
		}
	}

	return out, nil
}

func polarity(r Record) int {
	score := 0
	for _, w := range tokenize(r.Text) {
		if positiveWords[w] {
			score++
		}
		if negativeWords[w] {
			score--
		}
	}

	if score == 0 && r.Rating > 0 {
		switch {
		case r.Rating >= 4:
			score = 1
		case r.Rating <= 2:
			score = -1
		}
	}

	switch {
	case score > 0:
		return 1
	case score < 0:
		return -1
	default:
		return 0
	}
}

func sentiment(records []Record) SentimentSummary {
	var s SentimentSummary
	total := 0
	for _, r := range records {
		p := polarity(r)
		total += p
		switch p {
		case 1:
			s.Positive++
		case -1:
			s.Negative++
		default:
			s.Neutral++
		}
	}
	s.Score = float64(total) / float64(len(records))
	return s
}

func sentimentFindings(s SentimentSummary) []Finding {
	n := s.Positive + s.Negative + s.Neutral

	label := "neutral"
	switch {
	case s.Score > 0.05:
		label = "positive"
	case s.Score < -0.05:
		label = "negative"
	}

	findings := []Finding{{
		Objective: ObjectiveSentiment,
		Title:     fmt.Sprintf("Overall sentiment is %s", label),
		Detail:    fmt.Sprintf("%d positive, %d negative, %d neutral", s.Positive, s.Negative, s.Neutral),
		Score:     s.Score,
	}}

	if share := float64(s.Negative) / float64(n); share >= 0.25 {
		findings = append(findings, Finding{
			Objective: ObjectiveSentiment,
			Title:     "Notable negative feedback",
			Detail:    fmt.Sprintf("%.0f%% of records are negative", share*100),
			Score:     -share,
		})
	}

	return findings
}

// topics ranks terms by the number of records mentioning them. Sentiment
// words are excluded; a term must appear in at least two records.
func topics(records []Record, limit int) []Topic {
	mentions := map[string]int{}
	for _, r := range records {
		seen := map[string]bool{}
		for _, w := range tokenize(r.Text) {
			if len(w) < 3 || stopWords[w] || positiveWords[w] || negativeWords[w] || seen[w] {
				continue
			}
			seen[w] = true
			mentions[w]++
		}
	}

	out := make([]Topic, 0, len(mentions))
	for term, n := range mentions {
		if n >= 2 {
			out = append(out, Topic{Term: term, Mentions: n})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Mentions != out[j].Mentions {
			return out[i].Mentions > out[j].Mentions
		}
		return out[i].Term < out[j].Term
	})

	if len(out) > limit {
		out = out[:limit]
	}

	return out
}

func summarize(records []Record) Summary {
	s := Summary{Records: len(records), Ratings: map[string]int{}}
	words, ratings := 0, 0
	for _, r := range records {
		words += len(tokenize(r.Text))
		if r.Rating > 0 {
			s.Rated++
			ratings += r.Rating
			s.Ratings[strconv.Itoa(r.Rating)]++
		}
	}
	s.AverageWords = float64(words) / float64(len(records))
	if s.Rated > 0 {
		s.AverageRating = float64(ratings) / float64(s.Rated)
	}
	return s
}

// mergeAnalyses combines the outputs of fanned-out analyze tasks.
func mergeAnalyses(parts []Analysis) Analysis {
	out := Analysis{Kind: kindAnalysis, Findings: []Finding{}}
	for _, a := range parts {
		out.Objectives = append(out.Objectives, a.Objectives...)
		out.Findings = append(out.Findings, a.Findings...)
		if a.Sentiment != nil {
			out.Sentiment = a.Sentiment
		}
		if len(a.Topics) > 0 {
			out.Topics = a.Topics
		}
		if a.Summary != nil {
			out.Summary = a.Summary
		}
	}
	return out
}
