package queue

import (
	"context"
	"testing"
)

func TestCompareIDs(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"0-0", "1-0", -1},
		{"1700000000000-1", "1700000000000-0", 1},
		{"9-0", "10-0", -1},
		{"5-3", "5-3", 0},
		{"7", "7-0", 0},
	}
	for _, tc := range cases {
		got, err := CompareIDs(tc.a, tc.b)
		if err != nil {
			t.Fatalf("compare %s %s: %v", tc.a, tc.b, err)
		}
		if got != tc.want {
			t.Errorf("compare %s %s: got %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
	if _, err := CompareIDs("abc", "1-0"); err == nil {
		t.Fatal("expected error for malformed id")
	}
}

func TestMemoryQueueReadAfterIsExclusiveAndOrdered(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	var ids []string
	for i := 0; i < 12; i++ {
		id, err := q.Append(ctx, "main", map[string]string{"n": string(rune('a' + i))})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		ids = append(ids, id)
	}
	_, _ = q.Append(ctx, "other", map[string]string{"n": "x"})

	msgs, err := q.ReadAfter(ctx, "main", "0-0", 5)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 5 || msgs[0].ID != ids[0] {
		t.Fatalf("expected first 5 entries, got %+v", msgs)
	}

	msgs, _ = q.ReadAfter(ctx, "main", ids[9], 100)
	if len(msgs) != 2 || msgs[0].ID != ids[10] || msgs[1].ID != ids[11] {
		t.Fatalf("expected entries after %s, got %+v", ids[9], msgs)
	}

	msgs, _ = q.ReadAfter(ctx, "main", ids[11], 100)
	if len(msgs) != 0 {
		t.Fatalf("expected no entries past the tail, got %d", len(msgs))
	}
}

func TestMemoryQueueCopiesFields(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	fields := map[string]string{"txnId": "1"}
	_, _ = q.Append(ctx, "main", fields)
	fields["txnId"] = "2"

	if got := q.Entries("main")[0].Fields["txnId"]; got != "1" {
		t.Fatalf("stored entry mutated through caller map: %q", got)
	}
}

func TestFromValuesStringifies(t *testing.T) {
	got := fromValues(map[string]interface{}{"txnId": "7", "n": int64(3)})
	if got["txnId"] != "7" || got["n"] != "3" {
		t.Fatalf("unexpected fields %v", got)
	}
}
