package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// MarketOption is one outcome question inside a Match Result market
// (e.g. "Team A wins", "Draw", "Team B wins").
type MarketOption struct {
	QuestionID       string `json:"questionId"`
	Title            string `json:"title"`
	YesTokenMarketID string `json:"yesTokenMarketId"`
	NoTokenMarketID  string `json:"noTokenMarketId"`
	Tradable         bool   `json:"option_is_tradable"`
}

// Market is one Match Result market group on Fliq: all outcome options that
// share the same parent question. The trimmed parent header is the stable key.
type Market struct {
	MatchHeader     string         `json:"match_header"`
	Slug            string         `json:"slug"`
	MultiQuestionID string         `json:"multi_question_id"`
	Options         []MarketOption `json:"options"`
	EndTime         int64          `json:"questionEndTime"`
	EndTimeISO      string         `json:"questionEndTime_iso"`
	Approved        bool           `json:"is_approved"`
	FirstDetectedAt time.Time      `json:"first_detected_at,omitempty"`
}

// Key returns the stable identity of the market across fetches.
func (m Market) Key() string {
	return m.MatchHeader
}

// EndsAt returns the market end time as UTC time (zero if unknown).
func (m Market) EndsAt() time.Time {
	if m.EndTime == 0 {
		return time.Time{}
	}
	return time.Unix(m.EndTime, 0).UTC()
}

// Version returns a fingerprint of the mutable parts of the market (end time
// and options). A market that reappears with changed options or a moved end
// time gets a new version, so it is picked up again by the change detector.
func (m Market) Version() string {
	opts := make([]MarketOption, len(m.Options))
	copy(opts, m.Options)
	sort.Slice(opts, func(i, j int) bool { return opts[i].QuestionID < opts[j].QuestionID })

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d\n", m.MultiQuestionID, m.Slug, m.EndTime)
	for _, o := range opts {
		fmt.Fprintf(h, "%s|%s|%s|%s|%t\n", o.QuestionID, o.Title, o.YesTokenMarketID, o.NoTokenMarketID, o.Tradable)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
