package fliq

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type questionsResponse struct {
	Questions []Question `json:"questions"`
}

// Question is one raw entry from the Fliq question API. Only the fields the
// watcher selects are decoded.
type Question struct {
	QuestionID       FlexString       `json:"questionId"`
	IsSettled        bool             `json:"isSettled"`
	YesTokenMarketID FlexString       `json:"yesTokenMarketId"`
	NoTokenMarketID  FlexString       `json:"noTokenMarketId"`
	Metadata         QuestionMetadata `json:"blockchainMetadata"`
}

type QuestionMetadata struct {
	ParentQuestionID       FlexString `json:"parentQuestionId"`
	QuestionHeader         string     `json:"questionHeader"`
	ParentQuestionHeader   string     `json:"parentQuestionHeader"`
	QuestionHeaderExpanded string     `json:"questionHeaderExpanded"`
	Category               string     `json:"category"`
	QuestionEndTime        FlexInt64  `json:"questionEndTime"`
}

// OptionTitle returns the display title for an outcome question, preferring
// the expanded header.
func (m QuestionMetadata) OptionTitle() string {
	if t := strings.TrimSpace(m.QuestionHeaderExpanded); t != "" {
		return t
	}
	return strings.TrimSpace(m.QuestionHeader)
}

// FlexString decodes a JSON string or number into a string. The Fliq API is
// not consistent about ID field types.
type FlexString string

func (s *FlexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = FlexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("questionId-like field is neither string nor number: %w", err)
	}
	*s = FlexString(n.String())
	return nil
}

// FlexInt64 decodes a JSON number or numeric string into an int64, zero when
// absent or unparsable.
type FlexInt64 int64

func (i *FlexInt64) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "null" || raw == "" {
		*i = 0
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// Tolerate junk end times the same way corrupt entries have always
		// been treated: the question is filtered out later.
		*i = 0
		return nil
	}
	*i = FlexInt64(n)
	return nil
}
