package common

import (
	"net/http"
	"strconv"
)

// Pagination holds pagination metadata for list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalItems int `json:"total_items"`
}

// ParsePagination reads page and page_size. Missing or non-positive values
// fall back to the first page and the default size; sizes are capped at max.
func ParsePagination(r *http.Request, defaultSize, maxSize int) (page, size int) {
	q := r.URL.Query()
	page = atoiDefault(q.Get("page"), 1)
	size = atoiDefault(q.Get("page_size"), defaultSize)
	if maxSize > 0 && size > maxSize {
		size = maxSize
	}
	return page, size
}

// Offset converts a 1-based page into a row offset.
func Offset(page, size int) int {
	if page < 1 {
		return 0
	}
	return (page - 1) * size
}

func atoiDefault(raw string, def int) int {
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
