package fliq

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fliqwatch/fliqwatch/internal/pkg/config"
	"github.com/fliqwatch/fliqwatch/internal/pkg/models"
)

// selectFields / metadataFields are the projections requested from the
// question API. Kept identical to what the market UI requests so the endpoint
// serves from its cache.
var selectFields = []string{
	"questionId", "lotSize", "tickSize", "decimal", "isSettled",
	"settlementPrice", "contractAddress", "yesTokenMarketId",
	"noTokenMarketId", "blockchainMetadata",
}

var metadataFields = []string{
	"parentQuestionId", "questionHeader", "parentQuestionHeader",
	"questionHeaderExpanded", "category", "tags", "questionEndTime",
	"imgUrl", "tweetId", "partnerTag", "isMadeByTemplate",
}

// Client fetches Match Result markets from the Fliq question API.
type Client struct {
	apiBase         string
	baseMarketURL   string
	referralCode    string
	fetchLimit      int
	requireApproved bool
	client          *http.Client
}

func NewClient(cfg *config.FliqConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		apiBase:         cfg.APIBase,
		baseMarketURL:   cfg.BaseMarketURL,
		referralCode:    cfg.ReferralCode,
		fetchLimit:      cfg.FetchLimit,
		requireApproved: cfg.RequireApproved,
		client:          &http.Client{Timeout: timeout},
	}
}

// FetchQuestions returns the raw question list. Any transport, status or
// decode failure wraps models.ErrSourceUnavailable so the watch loop can tell
// "fetch failed" apart from "no new results".
func (c *Client) FetchQuestions(ctx context.Context) ([]Question, error) {
	params := url.Values{}
	for _, f := range selectFields {
		params.Add("select", f)
	}
	for _, f := range metadataFields {
		params.Add("metadataSelect", f)
	}
	params.Set("limit", strconv.Itoa(c.fetchLimit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", models.ErrSourceUnavailable, resp.StatusCode)
	}

	var out questionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode questions: %v", models.ErrSourceUnavailable, err)
	}
	return out.Questions, nil
}

// Snapshot fetches the current set of approved upcoming Match Result markets,
// grouped by parent question and keyed by the trimmed match header.
func (c *Client) Snapshot(ctx context.Context) (map[string]models.Market, error) {
	questions, err := c.FetchQuestions(ctx)
	if err != nil {
		return nil, err
	}
	return GroupMarkets(questions, time.Now().UTC(), c.requireApproved), nil
}

// MarketURL builds the shareable market link with the referral code attached.
func (c *Client) MarketURL(m models.Market) string {
	if m.Slug == "" || m.MultiQuestionID == "" {
		return "(URL unavailable)"
	}
	return fmt.Sprintf("%s/%s-%s?referral=%s", c.baseMarketURL, m.Slug, m.MultiQuestionID, c.referralCode)
}
