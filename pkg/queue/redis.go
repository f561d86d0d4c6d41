package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/xhad/sift/internal/models"
)

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	Name         string
	BlockTimeout time.Duration
	Logger       *zerolog.Logger
}

// RedisQueue is a job queue on a Redis list: RPUSH to enqueue, BLPOP to
// dequeue. Delivery is at least once.
type RedisQueue struct {
	client *redis.Client
	config RedisConfig
	log    zerolog.Logger
}

func NewRedis(config RedisConfig) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	return NewRedisWithClient(client, config)
}

// NewRedisWithClient uses an existing client. Close closes it.
func NewRedisWithClient(client *redis.Client, config RedisConfig) *RedisQueue {
	if config.Name == "" {
		config.Name = DefaultName
	}
	if config.BlockTimeout == 0 {
		config.BlockTimeout = DefaultBlockTimeout
	}

	log := zerolog.Nop()
	if config.Logger != nil {
		log = config.Logger.With().Str("component", "queue").Str("queue", config.Name).Logger()
	}

	return &RedisQueue{
		client: client,
		config: config,
		log:    log,
	}
}

// Ping checks the connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis at %s: %w", q.config.Addr, err)
	}
	return nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, job models.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	if err := q.client.RPush(ctx, q.config.Name, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// Dequeue blocks until a job arrives or ctx is done. It waits in BLPOP
// rounds of BlockTimeout. Messages that do not decode are dropped.
func (q *RedisQueue) Dequeue(ctx context.Context) (models.Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return models.Job{}, err
		}

		res, err := q.client.BLPop(ctx, q.config.BlockTimeout, q.config.Name).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return models.Job{}, ctxErr
			}
			// The connection deadline can fire just before the context's.
			if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
				return models.Job{}, context.DeadlineExceeded
			}
			return models.Job{}, fmt.Errorf("failed to dequeue job: %w", err)
		}

		// BLPOP returns the key followed by the value.
		if len(res) != 2 {
			continue
		}

		job, err := decode(res[1])
		if err != nil {
			q.log.Warn().Err(err).Str("payload", res[1]).Msg("dropping malformed job")
			continue
		}
		return job, nil
	}
}

// Len returns the number of waiting jobs.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.config.Name).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func decode(payload string) (models.Job, error) {
	var job models.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return models.Job{}, fmt.Errorf("%w: %w", models.ErrParse, err)
	}
	if job.URL == "" {
		return models.Job{}, fmt.Errorf("%w: job without url", models.ErrParse)
	}
	return job, nil
}
