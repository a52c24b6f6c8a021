package rpc

import "encoding/json"

type eventsRequest struct {
	Account   string `json:"account"`
	AfterSeq  int64  `json:"after_seq"`
	AfterID   string `json:"after_id"`
	PageToken string `json:"page_token,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type eventsResponse struct {
	Events        []json.RawMessage `json:"events"`
	NextPageToken string            `json:"next_page_token,omitempty"`
	AtTip         bool              `json:"at_tip"`
}

type errorResponse struct {
	Error string `json:"error"`
}
