package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

var (
	ErrNotFound     = errors.New("no value at path")
	ErrStoreFailed  = errors.New("could not store data")
	ErrBadOrderBy   = errors.New("unsupported order field")
	ErrInvalidPath  = errors.New("invalid path")
	ErrSubscription = errors.New("subscription failed")
)

// Store is the single seam between this service and the external
// real time data store. Paths are logical, slash separated keys such as
// device/GPS-001/current or alert/8f14e45f. A path either holds a single
// json document or acts as a collection whose direct children can be
// range queried.
//
//go:generate moq -rm -out store_mock.go . Store
type Store interface {
	// Read returns the document at path, or ErrNotFound when absent.
	Read(ctx context.Context, path string) (json.RawMessage, error)

	// Write replaces the document at path with the given value.
	Write(ctx context.Context, path string, value any) error

	// Delete removes the document at path. Deleting an absent path is
	// not an error.
	Delete(ctx context.Context, path string) error

	// Subscribe delivers the current document (nil when no data exists,
	// which is distinct from any legitimate stored value) and then every
	// subsequent change at path, until the returned cancel func is
	// called. Delivery failures on the underlying store surface through
	// onError without terminating the subscription.
	Subscribe(ctx context.Context, path string, onChange func(json.RawMessage), onError func(error)) (func(), error)

	// QueryRange returns the last limitLast direct children of the
	// collection at path, ordered ascending by orderField. Callers that
	// want newest first reverse the result.
	QueryRange(ctx context.Context, path, orderField string, limitLast int) ([]json.RawMessage, error)

	// TrimRange removes all but the newest keepLast children of the
	// collection at path and reports how many were removed.
	TrimRange(ctx context.Context, path string, keepLast int) (int, error)
}

func splitPath(path string) (parent, leaf string, ok bool) {
	i := strings.LastIndex(path, "/")
	if i <= 0 || i == len(path)-1 {
		return "", "", false
	}
	return path[:i], path[i+1:], true
}

// orderValue extracts a numeric order field from a stored document.
func orderValue(doc json.RawMessage, field string) (float64, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(doc, &obj); err != nil {
		return 0, false
	}

	raw, ok := obj[field]
	if !ok {
		return 0, false
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}

	return f, true
}
