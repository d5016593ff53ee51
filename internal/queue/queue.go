// Package queue is the durable job log between intake and the stream worker.
//
// Streams are append-only and ordered. Readers own their position: they pass the
// ID of the last entry they handled and receive strictly newer entries, so a crash
// before the reader saves its position replays entries instead of losing them.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Message is one stream entry.
type Message struct {
	ID     string
	Fields map[string]string
}

// Appender writes entries to a stream.
type Appender interface {
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)
}

// Reader returns up to count entries with IDs strictly greater than after, in stream order.
type Reader interface {
	ReadAfter(ctx context.Context, stream, after string, count int64) ([]Message, error)
}

type Queue interface {
	Appender
	Reader
}

// CompareIDs orders two "<ms>-<seq>" stream IDs.
func CompareIDs(a, b string) (int, error) {
	am, as, err := splitID(a)
	if err != nil {
		return 0, err
	}
	bm, bs, err := splitID(b)
	if err != nil {
		return 0, err
	}
	switch {
	case am < bm:
		return -1, nil
	case am > bm:
		return 1, nil
	case as < bs:
		return -1, nil
	case as > bs:
		return 1, nil
	default:
		return 0, nil
	}
}

func splitID(id string) (uint64, uint64, error) {
	msPart, seqPart, found := strings.Cut(id, "-")
	if !found {
		seqPart = "0"
	}
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid stream id %q", id)
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid stream id %q", id)
	}
	return ms, seq, nil
}
