package http

import "slatekv/pkg/engine"

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Pair is one scan result.
type Pair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Response represents the standard API response format.
type Response struct {
	Status Status        `json:"status,omitempty"`
	Value  string        `json:"value,omitempty"`
	Pairs  []Pair        `json:"pairs,omitempty"`
	Stats  *engine.Stats `json:"stats,omitempty"`
	Error  string        `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewValueResponse(value string) Response {
	return Response{Status: StatusSuccess, Value: value}
}

func NewPairsResponse(pairs []Pair) Response {
	return Response{Status: StatusSuccess, Pairs: pairs}
}

func NewStatsResponse(stats engine.Stats) Response {
	return Response{Status: StatusSuccess, Stats: &stats}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
