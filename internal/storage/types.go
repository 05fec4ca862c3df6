package storage

import (
	"encoding/json"
	"time"
)

type Resource struct {
	Owner      string
	Type       string
	ID         int64
	Attributes json.RawMessage
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Linkage struct {
	Type string
	ID   int64
}

type Relation struct {
	Many    bool
	Targets []Linkage
}

// Change is one entry of the append-only change log.
type Change struct {
	Seq   int64           `json:"seq"`
	Op    string          `json:"op"`
	Type  string          `json:"type"`
	ID    int64           `json:"id"`
	Value json.RawMessage `json:"value"`
}

const (
	ChangeAdd     = "add"
	ChangeReplace = "replace"
	ChangeRemove  = "remove"
)
