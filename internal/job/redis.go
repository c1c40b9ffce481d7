package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Compile-time check that RedisRepository implements Repository.
var _ Repository = (*RedisRepository)(nil)

// errUpdateConflict is returned when optimistic updates keep losing the race.
var errUpdateConflict = errors.New("job update conflict")

const defaultUpdateRetries = 16

// RedisRepository stores each job as a JSON document at <prefix>:job:<id>
// and tracks known ids in the set <prefix>:jobs. Ids of queued and active
// jobs are also kept in the sorted set <prefix>:pending, scored by Seq.
type RedisRepository struct {
	client  redis.UniversalClient
	prefix  string
	retries int
}

// RedisOption configures a RedisRepository.
type RedisOption func(*RedisRepository)

// WithKeyPrefix sets the key namespace.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisRepository) {
		r.prefix = prefix
	}
}

// WithUpdateRetries sets how many times Update retries after a WATCH conflict.
func WithUpdateRetries(n int) RedisOption {
	return func(r *RedisRepository) {
		if n > 0 {
			r.retries = n
		}
	}
}

// NewRedisRepository creates a repository on top of an existing client.
func NewRedisRepository(client redis.UniversalClient, opts ...RedisOption) *RedisRepository {
	r := &RedisRepository{
		client:  client,
		prefix:  "render",
		retries: defaultUpdateRetries,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisRepository) jobKey(id string) string {
	return r.prefix + ":job:" + id
}

func (r *RedisRepository) indexKey() string {
	return r.prefix + ":jobs"
}

func (r *RedisRepository) pendingKey() string {
	return r.prefix + ":pending"
}

func (r *RedisRepository) seqKey() string {
	return r.prefix + ":seq"
}

// indexPending queues the pending-set write matching j's status.
func (r *RedisRepository) indexPending(ctx context.Context, pipe redis.Pipeliner, j *Job) {
	if j.Status.IsTerminal() {
		pipe.ZRem(ctx, r.pendingKey(), j.ID)
		return
	}
	pipe.ZAdd(ctx, r.pendingKey(), redis.Z{Score: float64(j.Seq), Member: j.ID})
}

// Save persists a job and adds it to the id index.
func (r *RedisRepository) Save(ctx context.Context, job *Job) error {
	stored := job.Clone()
	if stored.Seq == 0 {
		seq, err := r.client.Incr(ctx, r.seqKey()).Result()
		if err != nil {
			return fmt.Errorf("allocate sequence: %w", err)
		}
		stored.Seq = seq
	}
	payload, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.jobKey(job.ID), payload, 0)
		pipe.SAdd(ctx, r.indexKey(), job.ID)
		r.indexPending(ctx, pipe, stored)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

// FindByID loads one job.
func (r *RedisRepository) FindByID(ctx context.Context, id string) (*Job, error) {
	data, err := r.client.Get(ctx, r.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	return decodeJob(data)
}

// List loads every indexed job. Ids whose document disappeared are skipped.
func (r *RedisRepository) List(ctx context.Context) ([]*Job, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list job ids: %w", err)
	}
	return r.load(ctx, ids)
}

// ListPending loads the jobs in the pending set in Seq order.
func (r *RedisRepository) ListPending(ctx context.Context) ([]*Job, error) {
	ids, err := r.client.ZRange(ctx, r.pendingKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending job ids: %w", err)
	}
	jobs, err := r.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	// ZRANGE and MGET are separate reads; a job may finish in between.
	pending := jobs[:0]
	for _, j := range jobs {
		if !j.Status.IsTerminal() {
			pending = append(pending, j)
		}
	}
	return pending, nil
}

func (r *RedisRepository) load(ctx context.Context, ids []string) ([]*Job, error) {
	if len(ids) == 0 {
		return []*Job{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.jobKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		j, err := decodeJob([]byte(s))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Delete removes the job document and its index entry.
func (r *RedisRepository) Delete(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, r.jobKey(id))
		pipe.SRem(ctx, r.indexKey(), id)
		pipe.ZRem(ctx, r.pendingKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if del.Val() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Update runs fn inside WATCH/MULTI on the job key and retries when another
// client modified the key in between.
func (r *RedisRepository) Update(ctx context.Context, id string, fn UpdateFunc) (*Job, error) {
	key := r.jobKey(id)
	var updated *Job

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("load job %s: %w", id, err)
		}
		j, err := decodeJob(data)
		if err != nil {
			return err
		}
		if err := fn(j); err != nil {
			return err
		}
		payload, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("encode job %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			r.indexPending(ctx, pipe, j)
			return nil
		})
		if err != nil {
			return err
		}
		updated = j
		return nil
	}

	for range r.retries {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s", errUpdateConflict, id)
}

func decodeJob(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &j, nil
}
