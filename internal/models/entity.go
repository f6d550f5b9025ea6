package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
)

// EntityStatus is the lifecycle state shared by teachers and students.
type EntityStatus string

const (
	StatusActive          EntityStatus = "ACTIVE"
	StatusInactive        EntityStatus = "INACTIVE"
	StatusPendingDeletion EntityStatus = "PENDING_DELETION"
	StatusDeleted         EntityStatus = "DELETED"
)

// IsActive reports whether references to an entity in this state are still valid.
// A pending deletion keeps its relationships until the cascade commits.
func (s EntityStatus) IsActive() bool {
	return s == StatusActive || s == StatusPendingDeletion
}

// EntityType names the two aggregates that own relationships.
type EntityType string

const (
	EntityTeacher EntityType = "teacher"
	EntityStudent EntityType = "student"
)

// Valid reports whether t is a known aggregate.
func (t EntityType) Valid() bool {
	return t == EntityTeacher || t == EntityStudent
}

// Pagination describes a page of list results.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}

// StringSet is a JSONB encoded set of ids kept in insertion order.
type StringSet []string

// Contains reports membership.
func (s StringSet) Contains(id string) bool {
	for _, v := range s {
		if v == id {
			return true
		}
	}
	return false
}

// Add returns the set with id present.
func (s StringSet) Add(id string) StringSet {
	if s.Contains(id) {
		return s
	}
	return append(s, id)
}

// Remove returns the set without id.
func (s StringSet) Remove(id string) StringSet {
	out := make(StringSet, 0, len(s))
	for _, v := range s {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// Equal compares two sets ignoring order and duplicates.
func (s StringSet) Equal(other StringSet) bool {
	a, b := s.Sorted(), other.Sorted()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Sorted returns a deduplicated sorted copy.
func (s StringSet) Sorted() []string {
	seen := make(map[string]struct{}, len(s))
	out := make([]string, 0, len(s))
	for _, v := range s {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Value marshals the set to JSON.
func (s StringSet) Value() (driver.Value, error) {
	return marshalJSONB(s, "[]")
}

// Scan unmarshals JSON into the set.
func (s *StringSet) Scan(value interface{}) error {
	return scanJSONB(value, s, "string set")
}

func marshalJSONB(v interface{}, empty string) (driver.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal jsonb: %w", err)
	}
	if string(data) == "null" {
		return []byte(empty), nil
	}
	return data, nil
}

func scanJSONB(value interface{}, dest interface{}, name string) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for %s", value, name)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return nil
}
