package triage

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Priority orders pending jobs; smaller values are more urgent. The zero value
// means "not set" and ranks behind every explicit priority.
type Priority int

const (
	// PriorityUnset is stored when no priority was supplied.
	PriorityUnset Priority = 0
	// PriorityUrgent is the most urgent bucket.
	PriorityUrgent Priority = 1
)

// Rank is the sort key used by the pending index.
func (p Priority) Rank() int {
	if p <= PriorityUnset {
		return math.MaxInt
	}
	return int(p)
}

// UnmarshalJSON accepts numbers, numeric strings ("1"), and null.
func (p *Priority) UnmarshalJSON(data []byte) error {
	raw := bytes.TrimSpace(data)
	if bytes.Equal(raw, []byte("null")) {
		*p = PriorityUnset
		return nil
	}
	text := string(raw)
	if unquoted, err := strconv.Unquote(text); err == nil {
		text = strings.TrimSpace(unquoted)
	}
	if text == "" {
		*p = PriorityUnset
		return nil
	}
	n, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("%w: priority %s is not an integer", ErrInvalidRecord, raw)
	}
	if n < 0 {
		return fmt.Errorf("%w: priority must be >= 0, got %d", ErrInvalidRecord, n)
	}
	*p = Priority(n)
	return nil
}
