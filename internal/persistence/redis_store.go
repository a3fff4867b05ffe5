package persistence

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pkarhu/loom/pkg/api"
)

// RedisRunStore is a RunStore backed by Redis. It uses a simple key layout:
//
//	<prefix>run:<id>              => gob-encoded redisRunPayload
//	<prefix>lease:<id>            => lease owner, SET NX PX for acquisition
//	<prefix>idx:all               => SET of all run IDs
//	<prefix>idx:wf:<type>         => SET of run IDs per workflow type
//	<prefix>idx:status:<status>   => SET of run IDs per status
//	<prefix>idx:parent:<id>       => SET of child run IDs
//
// The indexes are best-effort; ListRuns re-filters against the payload.
type RedisRunStore struct {
	client *redis.Client
	prefix string
}

var _ RunStore = (*RedisRunStore)(nil)

// NewRedisRunStore creates a RedisRunStore.
// prefix is optional but recommended (e.g. "loom:").
func NewRedisRunStore(client *redis.Client, prefix string) *RedisRunStore {
	if prefix == "" {
		prefix = "loom:"
	}
	return &RedisRunStore{client: client, prefix: prefix}
}

type redisRunPayload struct {
	ID            string
	WorkflowType  string
	Status        string
	Input         []byte
	InputHash     string
	Output        []byte
	FailureStep   string
	FailureKind   string
	FailureMsg    string
	HistoryCursor int64
	ParentID      string
	ClosePolicy   string
	State         []byte
	CreatedAt     int64
	UpdatedAt     int64
}

func (s *RedisRunStore) keyRun(id string) string      { return s.prefix + "run:" + id }
func (s *RedisRunStore) keyLease(id string) string    { return s.prefix + "lease:" + id }
func (s *RedisRunStore) keyAll() string               { return s.prefix + "idx:all" }
func (s *RedisRunStore) keyType(wt string) string     { return s.prefix + "idx:wf:" + wt }
func (s *RedisRunStore) keyStatus(st api.Status) string {
	return s.prefix + "idx:status:" + string(st)
}
func (s *RedisRunStore) keyParent(id string) string { return s.prefix + "idx:parent:" + id }

func encodeRedisRun(run *api.Run) ([]byte, error) {
	input, state, err := encodeRunBlobs(run)
	if err != nil {
		return nil, err
	}
	output, err := EncodeValue(run.Output)
	if err != nil {
		return nil, err
	}
	fstep, fkind, fmsg := failureColumns(run)

	payload := redisRunPayload{
		ID:            run.ID,
		WorkflowType:  run.WorkflowType,
		Status:        string(run.Status),
		Input:         input,
		InputHash:     run.InputHash,
		Output:        output,
		FailureStep:   fstep,
		FailureKind:   fkind,
		FailureMsg:    fmsg,
		HistoryCursor: run.HistoryCursor,
		ParentID:      run.ParentID,
		ClosePolicy:   string(run.ParentClosePolicy),
		State:         state,
		CreatedAt:     run.CreatedAt.UnixNano(),
		UpdatedAt:     time.Now().UnixNano(),
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRedisRun(data []byte) (*api.Run, error) {
	if len(data) == 0 {
		return nil, ErrRunNotFound
	}
	var payload redisRunPayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&payload); err != nil {
		return nil, err
	}

	input, err := DecodeValue(payload.Input)
	if err != nil {
		return nil, err
	}
	output, err := DecodeValue(payload.Output)
	if err != nil {
		return nil, err
	}
	stateVal, err := DecodeValue(payload.State)
	if err != nil {
		return nil, err
	}

	run := &api.Run{
		ID:                payload.ID,
		WorkflowType:      payload.WorkflowType,
		Status:            api.Status(payload.Status),
		Input:             input,
		InputHash:         payload.InputHash,
		Output:            output,
		HistoryCursor:     payload.HistoryCursor,
		ParentID:          payload.ParentID,
		ParentClosePolicy: api.ParentClosePolicy(payload.ClosePolicy),
		CreatedAt:         time.Unix(0, payload.CreatedAt),
		UpdatedAt:         time.Unix(0, payload.UpdatedAt),
	}
	if m, ok := stateVal.(map[string]any); ok {
		run.State = m
	}
	if payload.FailureKind != "" || payload.FailureMsg != "" {
		run.Failure = &api.RunFailure{
			StepPath: payload.FailureStep,
			Kind:     payload.FailureKind,
			Message:  payload.FailureMsg,
		}
	}
	return run, nil
}

func (s *RedisRunStore) SaveRun(ctx context.Context, run *api.Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	data, err := encodeRedisRun(run)
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, s.keyRun(run.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrRunExists
	}
	s.updateIndexes(ctx, run)
	return nil
}

func (s *RedisRunStore) UpdateRun(ctx context.Context, run *api.Run) error {
	exists, err := s.client.Exists(ctx, s.keyRun(run.ID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrRunNotFound
	}

	data, err := encodeRedisRun(run)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.keyRun(run.ID), data, 0).Err(); err != nil {
		return err
	}
	s.updateIndexes(ctx, run)
	return nil
}

// updateIndexes re-adds the run to its index sets. Stale entries (from a
// status change) may remain; ListRuns filters against the payload.
func (s *RedisRunStore) updateIndexes(ctx context.Context, run *api.Run) {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.keyAll(), run.ID)
	pipe.SAdd(ctx, s.keyType(run.WorkflowType), run.ID)
	pipe.SAdd(ctx, s.keyStatus(run.Status), run.ID)
	if run.ParentID != "" {
		pipe.SAdd(ctx, s.keyParent(run.ParentID), run.ID)
	}
	_, _ = pipe.Exec(ctx)
}

func (s *RedisRunStore) GetRun(ctx context.Context, id string) (*api.Run, error) {
	data, err := s.client.Get(ctx, s.keyRun(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return decodeRedisRun(data)
}

func (s *RedisRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.Run, error) {
	key := s.keyAll()
	switch {
	case filter.ParentID != "":
		key = s.keyParent(filter.ParentID)
	case filter.WorkflowType != "":
		key = s.keyType(filter.WorkflowType)
	case filter.Status != "":
		key = s.keyStatus(filter.Status)
	}

	ids, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyRun(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var runs []*api.Run
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		run, err := decodeRedisRun(data)
		if err != nil {
			return nil, err
		}
		// Indexes are best-effort; re-check the filter against the payload.
		if filter.WorkflowType != "" && run.WorkflowType != filter.WorkflowType {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.ParentID != "" && run.ParentID != filter.ParentID {
			continue
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (s *RedisRunStore) TryAcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	key := s.keyLease(runID)
	ok, err := s.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	// Re-entrant: the same owner may re-acquire and refresh.
	cur, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Lease expired between SetNX and Get; retry once.
			return s.client.SetNX(ctx, key, owner, ttl).Result()
		}
		return false, err
	}
	if cur != owner {
		return false, nil
	}
	if err := s.client.Set(ctx, key, owner, ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisRunStore) RenewLease(ctx context.Context, runID, owner string, ttl time.Duration) error {
	key := s.keyLease(runID)
	cur, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrLeaseNotHeld
		}
		return err
	}
	if cur != owner {
		return ErrLeaseNotHeld
	}
	return s.client.Set(ctx, key, owner, ttl).Err()
}

func (s *RedisRunStore) ReleaseLease(ctx context.Context, runID, owner string) error {
	key := s.keyLease(runID)
	cur, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	if cur != owner {
		return nil
	}
	return s.client.Del(ctx, key).Err()
}

// RedisHistoryStore stores run history in Redis. Sequence numbers come from
// a per-run INCR counter; events live in a hash keyed by seq, and
// once-only invariants (terminal event, per-step completion) are enforced
// with SETNX/HSETNX markers.
type RedisHistoryStore struct {
	client *redis.Client
	prefix string
}

var _ HistoryStore = (*RedisHistoryStore)(nil)

func NewRedisHistoryStore(client *redis.Client, prefix string) *RedisHistoryStore {
	if prefix == "" {
		prefix = "loom:"
	}
	return &RedisHistoryStore{client: client, prefix: prefix}
}

func (s *RedisHistoryStore) keySeq(runID string) string    { return s.prefix + "hist:seq:" + runID }
func (s *RedisHistoryStore) keyEvents(runID string) string { return s.prefix + "hist:ev:" + runID }
func (s *RedisHistoryStore) keyTerminal(runID string) string {
	return s.prefix + "hist:terminal:" + runID
}
func (s *RedisHistoryStore) keyDone(runID string) string { return s.prefix + "hist:done:" + runID }

type redisEventPayload struct {
	Seq      int64
	Type     string
	StepPath string
	Name     string
	Attempt  int
	Payload  []byte
	Error    string
	At       int64
}

func (s *RedisHistoryStore) AppendEvent(ctx context.Context, ev *api.Event) (int64, error) {
	if ev.Type.TerminalEvent() {
		ok, err := s.client.SetNX(ctx, s.keyTerminal(ev.RunID), string(ev.Type), 0).Result()
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, ErrDuplicateEvent
		}
	}
	switch ev.Type {
	case api.EventActivityCompleted, api.EventActivityFailed, api.EventChildCompleted:
		ok, err := s.client.HSetNX(ctx, s.keyDone(ev.RunID), ev.StepPath, string(ev.Type)).Result()
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, ErrDuplicateEvent
		}
	}

	seq, err := s.client.Incr(ctx, s.keySeq(ev.RunID)).Result()
	if err != nil {
		return 0, err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	payload, err := EncodeValue(ev.Payload)
	if err != nil {
		return 0, err
	}
	rec := redisEventPayload{
		Seq:      seq,
		Type:     string(ev.Type),
		StepPath: ev.StepPath,
		Name:     ev.Name,
		Attempt:  ev.Attempt,
		Payload:  payload,
		Error:    ev.Error,
		At:       ev.Timestamp.UnixNano(),
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&rec); err != nil {
		return 0, err
	}
	if err := s.client.HSet(ctx, s.keyEvents(ev.RunID), strconv.FormatInt(seq, 10), buf.Bytes()).Err(); err != nil {
		return 0, err
	}
	ev.Seq = seq
	return seq, nil
}

func (s *RedisHistoryStore) ListEvents(ctx context.Context, runID string) ([]api.Event, error) {
	raw, err := s.client.HGetAll(ctx, s.keyEvents(runID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]api.Event, 0, len(raw))
	for _, data := range raw {
		var rec redisEventPayload
		if err := gob.NewDecoder(bytes.NewReader([]byte(data))).Decode(&rec); err != nil {
			return nil, err
		}
		payload, err := DecodeValue(rec.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, api.Event{
			Seq:       rec.Seq,
			RunID:     runID,
			Type:      api.EventType(rec.Type),
			StepPath:  rec.StepPath,
			Name:      rec.Name,
			Attempt:   rec.Attempt,
			Payload:   payload,
			Error:     rec.Error,
			Timestamp: time.Unix(0, rec.At),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *RedisHistoryStore) LastSeq(ctx context.Context, runID string) (int64, error) {
	seq, err := s.client.Get(ctx, s.keySeq(runID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return seq, nil
}
