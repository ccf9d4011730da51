// Package activity is the operator-facing feed of what the mirror did: sync passes,
// delivered rows, renewals and degradations. It lives in a capped Redis stream.
package activity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	StreamKey = "ooo:activity"

	maxLen            = 10000
	defaultBlock      = 5 * time.Second
	defaultBatchCount = 50
)

// Entry kinds.
const (
	KindSync        = "sync"
	KindDelivered   = "delivered"
	KindRenewed     = "renewed"
	KindDegraded    = "degraded"
	KindInvalidated = "invalidated"
	KindAlert       = "alert"
)

// Entry is the typed form of a stream record.
type Entry struct {
	ID       string            `json:"id"`
	Kind     string            `json:"kind"`
	Calendar string            `json:"calendar"`
	TS       string            `json:"ts"`
	Fields   map[string]string `json:"fields,omitempty"`
}

type Feed struct {
	client *redis.Client
	block  time.Duration
}

func NewFeed(client *redis.Client) *Feed {
	return &Feed{client: client, block: defaultBlock}
}

// Append writes one entry. Field values are stringified.
func (f *Feed) Append(ctx context.Context, kind, calendarID string, fields map[string]any) (string, error) {
	if f == nil || f.client == nil {
		return "", errors.New("activity feed not configured")
	}

	values := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		values[k] = fmt.Sprint(v)
	}
	values["kind"] = kind
	values["calendar"] = calendarID
	values["ts"] = time.Now().UTC().Format(time.RFC3339Nano)

	return f.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}).Result()
}

// Tail blocks for entries after afterID ("" means only new ones) and returns them with
// the last id observed.
func (f *Feed) Tail(ctx context.Context, afterID string) ([]Entry, string, error) {
	if f == nil || f.client == nil {
		return nil, afterID, errors.New("activity feed not configured")
	}
	if strings.TrimSpace(afterID) == "" {
		afterID = "$"
	}

	res, err := f.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{StreamKey, afterID},
		Count:   defaultBatchCount,
		Block:   f.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, afterID, nil
		}
		return nil, afterID, err
	}

	var entries []Entry
	nextID := afterID
	for _, stream := range res {
		for _, msg := range stream.Messages {
			entries = append(entries, toEntry(msg))
			nextID = msg.ID
		}
	}
	return entries, nextID, nil
}

// Recent returns up to n entries, newest first.
func (f *Feed) Recent(ctx context.Context, n int64) ([]Entry, error) {
	if f == nil || f.client == nil {
		return nil, errors.New("activity feed not configured")
	}
	msgs, err := f.client.XRevRangeN(ctx, StreamKey, "+", "-", n).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, toEntry(msg))
	}
	return entries, nil
}

func toEntry(msg redis.XMessage) Entry {
	e := Entry{ID: msg.ID, Fields: map[string]string{}}
	for k, v := range msg.Values {
		s := stringVal(v)
		switch k {
		case "kind":
			e.Kind = s
		case "calendar":
			e.Calendar = s
		case "ts":
			e.TS = s
		default:
			e.Fields[k] = s
		}
	}
	return e
}

func stringVal(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}
