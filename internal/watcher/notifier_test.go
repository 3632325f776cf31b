package watcher

import (
	"strings"
	"testing"
	"time"

	"github.com/fliqwatch/fliqwatch/internal/pkg/models"
)

func TestFormatMarketAlert_NewMarket(t *testing.T) {
	m := models.Market{
		MatchHeader:     "Arsenal vs Chelsea",
		Slug:            "arsenal-vs-chelsea",
		MultiQuestionID: "77",
		EndTime:         1700000000,
		EndTimeISO:      "2023-11-14T22:13:20Z",
		FirstDetectedAt: time.Date(2023, 11, 10, 12, 0, 0, 0, time.UTC),
		Options: []models.MarketOption{
			{QuestionID: "q1", Title: "Arsenal wins"},
			{QuestionID: "q2", Title: "Draw"},
			{QuestionID: "q3", Title: "Chelsea wins"},
		},
	}

	msg := FormatMarketAlert(m, "https://example.test/arsenal-vs-chelsea-77", false)

	for _, want := range []string{
		"New Match Result match detected",
		"Arsenal vs Chelsea",
		"End time (UTC): 2023-11-14T22:13:20Z",
		"First detected at: 2023-11-10 12:00:00",
		"- [q1] Arsenal wins",
		"- [q2] Draw",
		"- [q3] Chelsea wins",
		"Link: https://example.test/arsenal-vs-chelsea-77",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("alert missing %q:\n%s", want, msg)
		}
	}
}

func TestFormatMarketAlert_UpdatedMarket(t *testing.T) {
	m := models.Market{
		MatchHeader: "A vs B",
		Options:     []models.MarketOption{{QuestionID: "q1", Title: "A wins"}},
	}
	msg := FormatMarketAlert(m, "link", true)
	if !strings.Contains(msg, "market updated") {
		t.Errorf("updated alert should say updated:\n%s", msg)
	}
	if strings.Contains(msg, "New Match Result match detected") {
		t.Errorf("updated alert should not claim a new market")
	}
}

func TestEscapeMarkdown(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"a_b", "a\\_b"},
		{"a*b*c", "a\\*b\\*c"},
		{"x[1]", "x\\[1\\]"},
	}
	for _, tt := range tests {
		if got := escapeMarkdown(tt.in); got != tt.want {
			t.Errorf("escapeMarkdown(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatValidationSummary_CapsListedMarkets(t *testing.T) {
	var removed []string
	for i := 0; i < validationSummaryLimit+5; i++ {
		removed = append(removed, "market")
	}

	summary := formatValidationSummary(removed, nil)
	if !strings.Contains(summary, "Removed 25 markets") {
		t.Errorf("summary missing removal count:\n%s", summary)
	}
	if got := strings.Count(summary, "- market"); got != validationSummaryLimit {
		t.Errorf("summary lists %d markets, want cap of %d", got, validationSummaryLimit)
	}
}
