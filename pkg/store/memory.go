package store

import (
	"cmp"
	"context"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a process-local DataService. Rows keep insertion order.
type Memory struct {
	mu     sync.RWMutex
	tables map[string][]Record
}

func NewMemory() *Memory {
	return &Memory{tables: make(map[string][]Record)}
}

var _ DataService = (*Memory)(nil)

func (m *Memory) Select(ctx context.Context, table string, filter Filter) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0)
	for _, row := range m.tables[table] {
		if matches(row, filter.Eq) {
			out = append(out, row.clone())
		}
	}
	if filter.OrderBy != "" {
		slices.SortStableFunc(out, func(a, b Record) int {
			c := compareValues(a[filter.OrderBy], b[filter.OrderBy])
			if filter.Desc {
				return -c
			}
			return c
		})
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) Insert(ctx context.Context, table string, record Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	row := record.clone()
	if _, ok := row["id"]; !ok {
		row["id"] = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tables[table] {
		if equalValues(existing["id"], row["id"]) {
			return nil, fmt.Errorf("insert into %s: duplicate id %v", table, row["id"])
		}
	}
	m.tables[table] = append(m.tables[table], row)
	return row.clone(), nil
}

func (m *Memory) Update(ctx context.Context, table string, id any, patch Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range m.tables[table] {
		if !equalValues(row["id"], id) {
			continue
		}
		for k, v := range patch {
			if k == "id" {
				continue
			}
			row[k] = v
		}
		return row.clone(), nil
	}
	return nil, ErrNotFound
}

func (m *Memory) Delete(ctx context.Context, table string, id any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.tables[table]
	for i, row := range rows {
		if equalValues(row["id"], id) {
			m.tables[table] = slices.Delete(rows, i, i+1)
			return nil
		}
	}
	return ErrNotFound
}

func matches(row Record, eq map[string]any) bool {
	for k, v := range eq {
		if !equalValues(row[k], v) {
			return false
		}
	}
	return true
}

// equalValues is == for comparable values and a deep comparison for the rest,
// such as json.RawMessage payloads.
func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	if reflect.TypeOf(a).Comparable() && reflect.TypeOf(b).Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders the column types the relay stores; anything else
// compares by its formatted value.
func compareValues(a, b any) int {
	switch av := a.(type) {
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	case string:
		if bv, ok := b.(string); ok {
			return cmp.Compare(av, bv)
		}
	case int:
		if bv, ok := b.(int); ok {
			return cmp.Compare(av, bv)
		}
	case int64:
		if bv, ok := b.(int64); ok {
			return cmp.Compare(av, bv)
		}
	case float64:
		if bv, ok := b.(float64); ok {
			return cmp.Compare(av, bv)
		}
	}
	return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
