package collyfetcher

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type wireEnvelope struct {
	Records     json.RawMessage `json:"records"`
	TotalPages  *int            `json:"total_pages"`
	CurrentPage *int            `json:"current_page"`
	NextPage    json.RawMessage `json:"next_page"`
}

type envelope struct {
	records     int
	currentPage int
	totalPages  int
	hasNext     bool
}

var noNextPage = [][]byte{[]byte("null"), []byte("false"), []byte(`""`), []byte("0")}

// decodeEnvelope parses {records, total_pages, current_page, next_page?}. A
// next_page field wins over total_pages; with neither there is no next page.
func decodeEnvelope(body []byte, requestedPage int) (envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(body, &wire); err != nil {
		return envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if len(wire.Records) == 0 {
		return envelope{}, errors.New("decode envelope: missing records")
	}
	var records []json.RawMessage
	if err := json.Unmarshal(wire.Records, &records); err != nil {
		return envelope{}, fmt.Errorf("decode records: %w", err)
	}

	env := envelope{records: len(records), currentPage: max(requestedPage, 1)}
	if wire.CurrentPage != nil {
		env.currentPage = *wire.CurrentPage
	}
	if wire.TotalPages != nil {
		env.totalPages = *wire.TotalPages
	}

	switch {
	case env.records == 0:
		env.hasNext = false
	case len(wire.NextPage) > 0:
		env.hasNext = true
		trimmed := bytes.TrimSpace(wire.NextPage)
		for _, none := range noNextPage {
			if bytes.Equal(trimmed, none) {
				env.hasNext = false
			}
		}
	case wire.TotalPages != nil:
		env.hasNext = env.currentPage < env.totalPages
	}
	return env, nil
}
