// Package store is the generic data service the relay's surroundings use for
// chat history and other records. The relay core never calls it directly.
package store

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("record not found")

// Record is one row keyed by column name.
type Record map[string]any

// Filter selects records whose columns equal every value in Eq.
type Filter struct {
	Eq      map[string]any
	OrderBy string
	Desc    bool
	Limit   int
}

type DataService interface {
	Select(ctx context.Context, table string, filter Filter) ([]Record, error)
	// Insert assigns a string "id" when the record has none.
	Insert(ctx context.Context, table string, record Record) (Record, error)
	Update(ctx context.Context, table string, id any, patch Record) (Record, error)
	Delete(ctx context.Context, table string, id any) error
}

func (r Record) clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
