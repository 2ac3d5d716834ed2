package storage

import (
	"errors"
	"sort"
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestPendingScore_OrdersByPriorityThenSeq(t *testing.T) {
	type entry struct {
		priority int
		seq      int64
	}
	entries := []entry{
		{MaxPriority, 1},
		{MaxPriority - 1, 999_999_999_999},
		{0, 5},
		{1, 2},
		{0, 7},
		{MaxPriority, 2},
		{1, 1},
	}

	sort.Slice(entries, func(i, j int) bool {
		return pendingScore(entries[i].priority, entries[i].seq) < pendingScore(entries[j].priority, entries[j].seq)
	})

	for i := 1; i < len(entries); i++ {
		prev, cur := entries[i-1], entries[i]
		if prev.priority > cur.priority || (prev.priority == cur.priority && prev.seq >= cur.seq) {
			t.Errorf("score order puts %+v before %+v", prev, cur)
		}
	}
}

func TestRedisEnqueueJob_RejectsPriorityOutOfRange(t *testing.T) {
	// Range checks run before any command, so no server is needed.
	r := &RedisStore{rdb: redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})}
	t.Cleanup(func() { r.Close() })

	for _, p := range []int{-1, MaxPriority + 1, 9000} {
		err := r.EnqueueJob(Job{ID: "j", Prompt: "p", Model: "m", Priority: p})
		if !errors.Is(err, ErrPriorityRange) {
			t.Errorf("EnqueueJob(priority %d) = %v, want ErrPriorityRange", p, err)
		}
	}
}
