package models

// RouteFilter represents filter parameters for querying route history
type RouteFilter struct {
	Context   string `form:"context"`   // decision_context
	StartTime int64  `form:"startTime"` // Unix milliseconds
	EndTime   int64  `form:"endTime"`   // Unix milliseconds
	Page      int    `form:"page"`
	PageSize  int    `form:"pageSize"`
}

// Normalize clamps paging to sane bounds.
func (f *RouteFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 || f.PageSize > 500 {
		f.PageSize = 50
	}
}

// Offset returns the row offset for the current page.
func (f *RouteFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}

// PlaceFilter represents filter parameters for POI and hotspot queries
type PlaceFilter struct {
	MinRank float64 `form:"minRank"`
	Limit   int     `form:"limit"` // Max results
}

// PredictionFilter represents filter parameters for prediction queries
type PredictionFilter struct {
	Horizon string `form:"horizon"` // daily, weekly
	From    int64  `form:"from"`    // Unix milliseconds
	Limit   int    `form:"limit"`
}

// TaskFilter represents filter parameters for analysis task queries
type TaskFilter struct {
	SkillName string `form:"skill"`
	Status    string `form:"status"`
	Limit     int    `form:"limit"`
}

// Page is one page of a paginated listing
type Page[T any] struct {
	Data       []T   `json:"data"`
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	PageSize   int   `json:"pageSize"`
	TotalPages int   `json:"totalPages"`
}

// NewPage wraps a page of rows with its paging metadata.
func NewPage[T any](data []T, total int64, page, pageSize int) *Page[T] {
	if data == nil {
		data = []T{}
	}
	totalPages := 0
	if pageSize > 0 {
		totalPages = int((total + int64(pageSize) - 1) / int64(pageSize))
	}
	return &Page[T]{Data: data, Total: total, Page: page, PageSize: pageSize, TotalPages: totalPages}
}
