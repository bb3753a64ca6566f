package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/melodygen/api/internal/model"
	"github.com/melodygen/api/internal/normalize"
)

// casAttempts bounds optimistic-transaction retries under contention.
const casAttempts = 5

// RedisStore persists job records as JSON under genjob:{taskID} and the
// dispatched follow-up kinds in a companion SET, whose SADD reply is
// the atomic check-and-set both completion paths rely on. Records have
// no TTL: failed jobs are kept for audit and manual retry.
type RedisStore struct {
	client      *redis.Client
	isPermanent func(string) bool
}

// NewRedisStore wraps a redis client. permanentPrefix is the public URL
// prefix of permanent storage; URLs under it are terminal and never
// overwritten by provider-hosted ones.
func NewRedisStore(client *redis.Client, permanentPrefix string) *RedisStore {
	return &RedisStore{
		client:      client,
		isPermanent: permanentURLCheck(permanentPrefix),
	}
}

func permanentURLCheck(prefix string) func(string) bool {
	return func(url string) bool {
		return prefix != "" && url != "" && strings.HasPrefix(url, prefix)
	}
}

func jobKey(taskID string) string      { return "genjob:" + taskID }
func followUpKey(taskID string) string { return "genjob:" + taskID + ":followups" }
func trackKey(id string) string        { return "track:" + id }

const recentTracksKey = "tracks:recent"
const recentTracksMax = 200

func (s *RedisStore) Create(ctx context.Context, job *model.GenerationJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	ok, err := s.client.SetNX(ctx, jobKey(job.TaskID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	if !ok {
		return ErrDuplicateJob
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, taskID string) (*model.GenerationJob, error) {
	data, err := s.client.Get(ctx, jobKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	var job model.GenerationJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	kinds, err := s.client.SMembers(ctx, followUpKey(taskID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	job.DispatchedFollowUps = job.DispatchedFollowUps[:0]
	for _, k := range kinds {
		job.DispatchedFollowUps = append(job.DispatchedFollowUps, model.FollowUpKind(k))
	}

	return &job, nil
}

// FindByLegacyMarker scans all job records for one whose notes contain
// the fragment. This is a migration path for records written before
// task IDs became the key; it is deliberately a full scan and should
// disappear once those records age out.
func (s *RedisStore) FindByLegacyMarker(ctx context.Context, fragment string) (*model.GenerationJob, error) {
	iter := s.client.Scan(ctx, 0, "genjob:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasSuffix(key, ":followups") {
			continue
		}
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var job model.GenerationJob
		if err := json.Unmarshal(data, &job); err != nil {
			continue
		}
		if strings.Contains(job.Notes, fragment) {
			return s.Get(ctx, job.TaskID)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return nil, ErrJobNotFound
}

// mutate runs fn against the current record inside an optimistic WATCH
// transaction, retrying on conflict. fn returns false to skip the write.
func (s *RedisStore) mutate(ctx context.Context, taskID string, fn func(job *model.GenerationJob) bool) (*model.GenerationJob, error) {
	key := jobKey(taskID)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrJobNotFound
			}
			return err
		}

		var job model.GenerationJob
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("failed to unmarshal job: %w", err)
		}

		if !fn(&job) {
			return nil
		}

		out, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, redis.KeepTTL)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < casAttempts; i++ {
		err = s.client.Watch(ctx, txn, key)
		if err == nil {
			return s.Get(ctx, taskID)
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("job update contention on %s: %w", taskID, err)
}

func (s *RedisStore) MergeResult(ctx context.Context, taskID string, res *normalize.Result) (*model.GenerationJob, error) {
	return s.mutate(ctx, taskID, func(job *model.GenerationJob) bool {
		return applyResult(job, res, s.isPermanent)
	})
}

func (s *RedisStore) AdvanceState(ctx context.Context, taskID string, state model.JobState) (*model.GenerationJob, error) {
	return s.mutate(ctx, taskID, func(job *model.GenerationJob) bool {
		if !job.State.CanAdvanceTo(state) {
			return false
		}
		job.State = state
		job.UpdatedAt = time.Now().UTC()
		if state == model.JobStateCompleted && job.CompletedAt == nil {
			now := time.Now().UTC()
			job.CompletedAt = &now
		}
		return true
	})
}

func (s *RedisStore) MarkFollowUpDispatched(ctx context.Context, taskID string, kind model.FollowUpKind) (bool, error) {
	exists, err := s.client.Exists(ctx, jobKey(taskID)).Result()
	if err != nil {
		return false, err
	}
	if exists == 0 {
		return false, ErrJobNotFound
	}

	added, err := s.client.SAdd(ctx, followUpKey(taskID), string(kind)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark follow-up: %w", err)
	}
	return added == 1, nil
}

func (s *RedisStore) SetPermanentAudioURL(ctx context.Context, taskID, url string) (*model.GenerationJob, error) {
	return s.mutate(ctx, taskID, func(job *model.GenerationJob) bool {
		if s.isPermanent(job.AudioURL) {
			return false
		}
		job.AudioURL = url
		job.UpdatedAt = time.Now().UTC()
		return true
	})
}

func (s *RedisStore) SetPermanentCoverURL(ctx context.Context, taskID, url string) (*model.GenerationJob, error) {
	return s.mutate(ctx, taskID, func(job *model.GenerationJob) bool {
		if s.isPermanent(job.CoverURL) {
			return false
		}
		job.CoverURL = url
		job.UpdatedAt = time.Now().UTC()
		return true
	})
}

func (s *RedisStore) SetLyrics(ctx context.Context, taskID, lyrics string) error {
	if lyrics == "" {
		return nil
	}
	_, err := s.mutate(ctx, taskID, func(job *model.GenerationJob) bool {
		job.Lyrics = lyrics
		job.UpdatedAt = time.Now().UTC()
		return true
	})
	return err
}

func (s *RedisStore) CreateTrack(ctx context.Context, track *model.Track) error {
	data, err := json.Marshal(track)
	if err != nil {
		return fmt.Errorf("failed to marshal track: %w", err)
	}
	if err := s.client.Set(ctx, trackKey(track.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save track: %w", err)
	}
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, recentTracksKey, track.ID)
	pipe.LTrim(ctx, recentTracksKey, 0, recentTracksMax-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetTrack(ctx context.Context, id string) (*model.Track, error) {
	data, err := s.client.Get(ctx, trackKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTrackNotFound
		}
		return nil, err
	}
	var track model.Track
	if err := json.Unmarshal(data, &track); err != nil {
		return nil, fmt.Errorf("failed to unmarshal track: %w", err)
	}
	return &track, nil
}

func (s *RedisStore) ListRecentTracks(ctx context.Context, limit int) ([]*model.Track, error) {
	if limit <= 0 || limit > recentTracksMax {
		limit = recentTracksMax
	}
	ids, err := s.client.LRange(ctx, recentTracksKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*model.Track, 0, len(ids))
	for _, id := range ids {
		track, err := s.GetTrack(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, track)
	}
	return out, nil
}
