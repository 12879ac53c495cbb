package api

import (
	"slices"
	"time"
)

// Status is the fetch state of a cache entry.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusPending       Status = "pending"
	StatusFulfilled     Status = "fulfilled"
	StatusRejected      Status = "rejected"
)

// Kind tells queries and mutations apart.
type Kind string

const (
	KindQuery    Kind = "query"
	KindMutation Kind = "mutation"
)

// Tag labels cached data for invalidation. An empty ID matches every ID
// of the same Type, on either side.
type Tag struct {
	Type string
	ID   string
}

func (t Tag) matches(o Tag) bool {
	if t.Type != o.Type {
		return false
	}
	return t.ID == "" || o.ID == "" || t.ID == o.ID
}

// Entry is the cached state of one endpoint call, keyed by its cache key.
// Entries live in the store and change only through the cache's actions.
type Entry struct {
	Key      string
	Endpoint string
	Kind     Kind
	Arg      any

	Status    Status
	RequestID string

	// Data is the last successful result. A failed refetch keeps it.
	Data    any
	HasData bool

	Err      error
	Error    string
	Progress any
	Tags     []Tag

	SubscriberCount int
	StartedAt       time.Time
	FulfilledAt     time.Time
}

// IsUninitialized reports an entry that has never started a fetch.
func (e Entry) IsUninitialized() bool { return e.Status == StatusUninitialized }

// IsLoading reports a first fetch in progress, with nothing to show yet.
func (e Entry) IsLoading() bool { return e.Status == StatusPending && !e.HasData }

// IsFetching reports any fetch in progress, including refetches.
func (e Entry) IsFetching() bool { return e.Status == StatusPending }

// IsSuccess reports that the latest fetch succeeded.
func (e Entry) IsSuccess() bool { return e.Status == StatusFulfilled }

// IsError reports that the latest fetch failed.
func (e Entry) IsError() bool { return e.Status == StatusRejected }

func (e Entry) providesAny(tags []Tag) bool {
	for _, have := range e.Tags {
		for _, want := range tags {
			if have.matches(want) {
				return true
			}
		}
	}
	return false
}

// Result is the typed view of an entry.
type Result[R any] struct {
	Key             string
	Status          Status
	Data            R
	HasData         bool
	Err             error
	Error           string
	Progress        any
	SubscriberCount int
	FulfilledAt     time.Time

	IsUninitialized bool
	IsLoading       bool
	IsFetching      bool
	IsSuccess       bool
	IsError         bool
}

func resultOf[R any](key string, e Entry, ok bool) Result[R] {
	if !ok {
		return Result[R]{Key: key, Status: StatusUninitialized, IsUninitialized: true}
	}
	data, _ := e.Data.(R)
	return Result[R]{
		Key:             e.Key,
		Status:          e.Status,
		Data:            data,
		HasData:         e.HasData,
		Err:             e.Err,
		Error:           e.Error,
		Progress:        e.Progress,
		SubscriberCount: e.SubscriberCount,
		FulfilledAt:     e.FulfilledAt,
		IsUninitialized: e.IsUninitialized(),
		IsLoading:       e.IsLoading(),
		IsFetching:      e.IsFetching(),
		IsSuccess:       e.IsSuccess(),
		IsError:         e.IsError(),
	}
}

func mergeTags(static, provided []Tag) []Tag {
	if len(provided) == 0 {
		return static
	}
	out := slices.Clone(static)
	for _, t := range provided {
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}
