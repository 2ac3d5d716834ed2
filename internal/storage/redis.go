package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "llmq:"
	redisOpTimeout = 5 * time.Second

	// pendingScoreStride separates priority bands in the pending sorted set so
	// that score = priority*stride + seq orders by priority, then submission.
	pendingScoreStride = 1e12
)

// RedisStore keeps the job table in Redis so several processes on different
// hosts can share one queue. It offers the same job methods as Store.
//
// Layout:
//
//	llmq:seq              INCR counter for submission order
//	llmq:job:<id>         hash with the job fields
//	llmq:pending          zset, score priority*1e12+seq
//	llmq:delayed          zset of retries, score unix run_after
//	llmq:running          set of claimed ids
//	llmq:completed/failed zset of finished ids, score seq
type RedisStore struct {
	rdb *redis.Client
}

// OpenRedis connects to the Redis server at url. A bare host:port is accepted
// as well as a redis:// URL.
func OpenRedis(url string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		opt = &redis.Options{Addr: url}
	}
	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

// Close closes the Redis client.
func (r *RedisStore) Close() error {
	return r.rdb.Close()
}

func (r *RedisStore) op() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), redisOpTimeout)
}

func key(parts ...string) string {
	k := redisKeyPrefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func jobKey(id string) string { return key("job", id) }

// pendingScore is exact for priorities up to MaxPriority and seq below the
// stride, since 8000*1e12+1e12 stays under 2^53.
func pendingScore(priority int, seq int64) float64 {
	return float64(priority)*pendingScoreStride + float64(seq)
}

// EnqueueJob stores the job hash and adds it to the pending set. Priorities
// outside [0, MaxPriority] are rejected with ErrPriorityRange.
func (r *RedisStore) EnqueueJob(job Job) error {
	if job.Priority < 0 || job.Priority > MaxPriority {
		return fmt.Errorf("job %s priority %d: %w", job.ID, job.Priority, ErrPriorityRange)
	}

	ctx, cancel := r.op()
	defer cancel()

	seq, err := r.rdb.Incr(ctx, key("seq")).Result()
	if err != nil {
		return fmt.Errorf("allocating job sequence: %w", err)
	}

	now := time.Now().UTC()
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC()
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID), map[string]any{
		"seq":          seq,
		"id":           job.ID,
		"name":         job.Name,
		"source":       job.Source,
		"prompt":       job.Prompt,
		"model":        job.Model,
		"priority":     job.Priority,
		"timeout_ms":   job.Timeout.Milliseconds(),
		"status":       StatusPending,
		"attempts":     0,
		"max_attempts": maxAttempts,
		"result":       "",
		"error_kind":   "",
		"last_error":   "",
		"run_after":    runAfter.Format(time.RFC3339),
		"created_at":   now.Format(time.RFC3339),
		"updated_at":   now.Format(time.RFC3339),
	})
	if runAfter.After(now) {
		pipe.ZAdd(ctx, key("delayed"), redis.Z{Score: float64(runAfter.Unix()), Member: job.ID})
	} else {
		pipe.ZAdd(ctx, key("pending"), redis.Z{Score: pendingScore(job.Priority, seq), Member: job.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueueing job %s: %w", job.ID, err)
	}
	return nil
}

// promoteDelayed moves retries whose backoff has elapsed back to pending.
func (r *RedisStore) promoteDelayed(ctx context.Context) error {
	due, err := r.rdb.ZRangeByScore(ctx, key("delayed"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(time.Now().Unix(), 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range due {
		removed, err := r.rdb.ZRem(ctx, key("delayed"), id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue // another process promoted it
		}
		j, err := r.load(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
		if err := r.rdb.ZAdd(ctx, key("pending"), redis.Z{Score: pendingScore(j.Priority, j.Seq), Member: id}).Err(); err != nil {
			return err
		}
	}
	return nil
}

// claimScript pops the lowest-scored pending id and marks it running in one
// atomic step, so a claimed job is always in either pending or running.
var claimScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
	return false
end
local id = popped[1]
redis.call('SADD', KEYS[2], id)
redis.call('HSET', ARGV[1] .. id, 'status', ARGV[2], 'updated_at', ARGV[3])
return id
`)

// ClaimNextJob pops the lowest-scored pending job and marks it running.
// Returns nil when nothing is runnable.
func (r *RedisStore) ClaimNextJob() (*Job, error) {
	ctx, cancel := r.op()
	defer cancel()

	if err := r.promoteDelayed(ctx); err != nil {
		return nil, fmt.Errorf("promoting delayed jobs: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	id, err := claimScript.Run(ctx, r.rdb,
		[]string{key("pending"), key("running")},
		jobKey(""), StatusRunning, now,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming next job: %w", err)
	}

	j, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CompleteJob records a successful result.
func (r *RedisStore) CompleteJob(id, result string) error {
	ctx, cancel := r.op()
	defer cancel()

	j, err := r.load(ctx, id)
	if err != nil {
		return err
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(id),
		"status", StatusCompleted,
		"attempts", j.Attempts+1,
		"result", result,
		"updated_at", time.Now().UTC().Format(time.RFC3339),
	)
	pipe.SRem(ctx, key("running"), id)
	pipe.ZRem(ctx, key("pending"), id)
	pipe.ZAdd(ctx, key(StatusCompleted), redis.Z{Score: float64(j.Seq), Member: id})
	_, err = pipe.Exec(ctx)
	return err
}

// FailJob records a failed attempt with the same retry rules as Store.FailJob.
func (r *RedisStore) FailJob(id, kind, errMsg string, retryable bool) (final bool, err error) {
	ctx, cancel := r.op()
	defer cancel()

	j, err := r.load(ctx, id)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	attempts := j.Attempts + 1

	pipe := r.rdb.TxPipeline()
	pipe.SRem(ctx, key("running"), id)
	pipe.ZRem(ctx, key("pending"), id)
	if !retryable || attempts >= j.MaxAttempts {
		final = true
		pipe.HSet(ctx, jobKey(id),
			"status", StatusFailed,
			"attempts", attempts,
			"error_kind", kind,
			"last_error", errMsg,
			"updated_at", now.Format(time.RFC3339),
		)
		pipe.ZAdd(ctx, key(StatusFailed), redis.Z{Score: float64(j.Seq), Member: id})
	} else {
		runAfter := now.Add(time.Duration(math.Pow(2, float64(attempts))) * time.Second)
		pipe.HSet(ctx, jobKey(id),
			"status", StatusPending,
			"attempts", attempts,
			"error_kind", kind,
			"last_error", errMsg,
			"run_after", runAfter.Format(time.RFC3339),
			"updated_at", now.Format(time.RFC3339),
		)
		pipe.ZAdd(ctx, key("delayed"), redis.Z{Score: float64(runAfter.Unix()), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return final, nil
}

// FinishedJobs returns the completed or failed jobs among ids, reading all
// hashes in one pipeline.
func (r *RedisStore) FinishedJobs(ids []string) ([]Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := r.op()
	defer cancel()

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("reading job batch: %w", err)
	}

	var results []Job
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		j, err := jobFromHash(fields)
		if err != nil {
			return nil, err
		}
		if j.Finished() {
			results = append(results, j)
		}
	}
	return results, nil
}

// GetJob returns a job by ID.
func (r *RedisStore) GetJob(id string) (Job, error) {
	ctx, cancel := r.op()
	defer cancel()
	return r.load(ctx, id)
}

func (r *RedisStore) load(ctx context.Context, id string) (Job, error) {
	fields, err := r.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return Job{}, err
	}
	if len(fields) == 0 {
		return Job{}, ErrNotFound
	}
	return jobFromHash(fields)
}

func jobFromHash(h map[string]string) (Job, error) {
	j := Job{
		ID:        h["id"],
		Name:      h["name"],
		Source:    h["source"],
		Prompt:    h["prompt"],
		Model:     h["model"],
		Status:    h["status"],
		Result:    h["result"],
		ErrorKind: h["error_kind"],
		LastError: h["last_error"],
	}
	var err error
	if j.Seq, err = strconv.ParseInt(h["seq"], 10, 64); err != nil {
		return Job{}, fmt.Errorf("parsing seq for job %s: %w", j.ID, err)
	}
	if j.Priority, err = strconv.Atoi(h["priority"]); err != nil {
		return Job{}, fmt.Errorf("parsing priority for job %s: %w", j.ID, err)
	}
	timeoutMS, err := strconv.ParseInt(h["timeout_ms"], 10, 64)
	if err != nil {
		return Job{}, fmt.Errorf("parsing timeout for job %s: %w", j.ID, err)
	}
	j.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if j.Attempts, err = strconv.Atoi(h["attempts"]); err != nil {
		return Job{}, fmt.Errorf("parsing attempts for job %s: %w", j.ID, err)
	}
	if j.MaxAttempts, err = strconv.Atoi(h["max_attempts"]); err != nil {
		return Job{}, fmt.Errorf("parsing max_attempts for job %s: %w", j.ID, err)
	}
	if j.RunAfter, err = time.Parse(time.RFC3339, h["run_after"]); err != nil {
		return Job{}, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, h["created_at"]); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, h["updated_at"]); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return j, nil
}

func (r *RedisStore) allIDs(ctx context.Context) ([]string, error) {
	var ids []string
	for _, z := range []string{"pending", "delayed", StatusCompleted, StatusFailed} {
		members, err := r.rdb.ZRange(ctx, key(z), 0, -1).Result()
		if err != nil {
			return nil, err
		}
		ids = append(ids, members...)
	}
	running, err := r.rdb.SMembers(ctx, key("running")).Result()
	if err != nil {
		return nil, err
	}
	return append(ids, running...), nil
}

// ListJobs returns the newest jobs first, optionally filtered by status.
func (r *RedisStore) ListJobs(status string, limit int) ([]Job, error) {
	ctx, cancel := r.op()
	defer cancel()

	ids, err := r.allIDs(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(ids))
	var jobs []Job
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		j, err := r.load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if status != "" && j.Status != status {
			continue
		}
		jobs = append(jobs, j)
	}

	sort.Slice(jobs, func(a, b int) bool { return jobs[a].Seq > jobs[b].Seq })
	if limit >= 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// CountByStatus returns the number of jobs per status.
func (r *RedisStore) CountByStatus() (map[string]int, error) {
	ctx, cancel := r.op()
	defer cancel()

	pipe := r.rdb.Pipeline()
	pending := pipe.ZCard(ctx, key("pending"))
	delayed := pipe.ZCard(ctx, key("delayed"))
	running := pipe.SCard(ctx, key("running"))
	completed := pipe.ZCard(ctx, key(StatusCompleted))
	failed := pipe.ZCard(ctx, key(StatusFailed))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	counts := map[string]int{
		StatusPending:   int(pending.Val() + delayed.Val()),
		StatusRunning:   int(running.Val()),
		StatusCompleted: int(completed.Val()),
		StatusFailed:    int(failed.Val()),
	}
	for s, n := range counts {
		if n == 0 {
			delete(counts, s)
		}
	}
	return counts, nil
}

// RequeueRunning returns stranded running jobs to pending.
func (r *RedisStore) RequeueRunning() (int, error) {
	ctx, cancel := r.op()
	defer cancel()

	ids, err := r.rdb.SMembers(ctx, key("running")).Result()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		j, err := r.load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			r.rdb.SRem(ctx, key("running"), id)
			continue
		}
		if err != nil {
			return n, err
		}
		pipe := r.rdb.TxPipeline()
		pipe.SRem(ctx, key("running"), id)
		pipe.HSet(ctx, jobKey(id), "status", StatusPending, "updated_at", time.Now().UTC().Format(time.RFC3339))
		pipe.ZAdd(ctx, key("pending"), redis.Z{Score: pendingScore(j.Priority, j.Seq), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// PruneFinished deletes finished jobs beyond the newest keep.
func (r *RedisStore) PruneFinished(keep int) (int, error) {
	ctx, cancel := r.op()
	defer cancel()

	type finished struct {
		id     string
		seq    float64
		status string
	}
	var all []finished
	for _, status := range []string{StatusCompleted, StatusFailed} {
		zs, err := r.rdb.ZRangeWithScores(ctx, key(status), 0, -1).Result()
		if err != nil {
			return 0, err
		}
		for _, z := range zs {
			id, _ := z.Member.(string)
			all = append(all, finished{id: id, seq: z.Score, status: status})
		}
	}
	if len(all) <= keep {
		return 0, nil
	}

	sort.Slice(all, func(a, b int) bool { return all[a].seq > all[b].seq })
	pipe := r.rdb.TxPipeline()
	for _, f := range all[keep:] {
		pipe.ZRem(ctx, key(f.status), f.id)
		pipe.Del(ctx, jobKey(f.id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(all) - keep, nil
}
