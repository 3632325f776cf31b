package fliq

import (
	"regexp"
	"strings"
	"time"

	"github.com/fliqwatch/fliqwatch/internal/pkg/models"
)

var (
	slugInvalid   = regexp.MustCompile(`[^a-z0-9\s]`)
	slugWhitespace = regexp.MustCompile(`\s+`)
	slugDashes     = regexp.MustCompile(`-+`)
)

// Slugify converts a match header into the URL slug Fliq uses for market
// pages ("Real Madrid vs: Barca!" -> "real-madrid-vs-barca").
func Slugify(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.ReplaceAll(s, ":", " ")
	s = slugInvalid.ReplaceAllString(s, " ")
	s = slugWhitespace.ReplaceAllString(s, "-")
	s = slugDashes.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// isUpcomingMatchOption reports whether a question is an unsettled football
// "Match Result" outcome whose market is still open.
func isUpcomingMatchOption(q Question, now time.Time) bool {
	if !strings.EqualFold(q.Metadata.Category, "football") {
		return false
	}
	headers := strings.ToLower(strings.Join([]string{
		q.Metadata.QuestionHeader,
		q.Metadata.ParentQuestionHeader,
		q.Metadata.QuestionHeaderExpanded,
	}, " "))
	if !strings.Contains(headers, "match result") {
		return false
	}
	if q.IsSettled {
		return false
	}
	endTS := int64(q.Metadata.QuestionEndTime)
	return endTS > 0 && endTS > now.Unix()
}

// optionTradable reports whether both sides of the option have live token
// markets. A market group counts as approved once any option is tradable.
func optionTradable(q Question) bool {
	yes := string(q.YesTokenMarketID)
	no := string(q.NoTokenMarketID)
	return yes != "" && no != "" && yes != "0" && no != "0"
}

// GroupMarkets filters raw questions down to upcoming Match Result options
// and groups them by parent question into Market entries keyed by the trimmed
// parent header. When requireApproved is set, groups without a single
// tradable option are dropped.
func GroupMarkets(questions []Question, now time.Time, requireApproved bool) map[string]models.Market {
	groups := make(map[string]models.Market)
	for _, q := range questions {
		if !isUpcomingMatchOption(q, now) {
			continue
		}
		parentHeader := strings.TrimSpace(q.Metadata.ParentQuestionHeader)
		parentID := string(q.Metadata.ParentQuestionID)
		if parentHeader == "" || parentID == "" {
			continue
		}

		m, ok := groups[parentHeader]
		if !ok {
			endTS := int64(q.Metadata.QuestionEndTime)
			m = models.Market{
				MatchHeader:     parentHeader,
				Slug:            Slugify(parentHeader),
				MultiQuestionID: parentID,
				EndTime:         endTS,
				EndTimeISO:      unixToISO(endTS),
			}
		}

		tradable := optionTradable(q)
		m.Options = append(m.Options, models.MarketOption{
			QuestionID:       string(q.QuestionID),
			Title:            q.Metadata.OptionTitle(),
			YesTokenMarketID: string(q.YesTokenMarketID),
			NoTokenMarketID:  string(q.NoTokenMarketID),
			Tradable:         tradable,
		})
		if tradable {
			m.Approved = true
		}
		groups[parentHeader] = m
	}

	if requireApproved {
		for key, m := range groups {
			if !m.Approved {
				delete(groups, key)
			}
		}
	}
	return groups
}

func unixToISO(ts int64) string {
	if ts == 0 {
		return ""
	}
	return time.Unix(ts, 0).UTC().Format("2006-01-02T15:04:05Z")
}
