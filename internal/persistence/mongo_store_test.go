package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pkarhu/loom/internal/testutil"
	"github.com/pkarhu/loom/pkg/api"
)

const mongoTestDB = "loom_store_test"

type MongoStoreTestSuite struct {
	suite.Suite
	client  *mongo.Client
	runs    *MongoRunStore
	history *MongoHistoryStore
	ctx     context.Context
}

func TestMongoStoreSuite(t *testing.T) {
	ts := new(MongoStoreTestSuite)
	ts.ctx = context.Background()

	client, err := mongo.Connect(ts.ctx, options.Client().ApplyURI(testutil.MongoURI(t)))
	if err != nil {
		t.Fatalf("mongo.Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	ts.client = client

	ts.runs = NewMongoRunStore(client, mongoTestDB, "")
	ts.history, err = NewMongoHistoryStore(ts.ctx, client, mongoTestDB, "")
	if err != nil {
		t.Fatalf("NewMongoHistoryStore failed: %v", err)
	}

	suite.Run(t, ts)
}

func (s *MongoStoreTestSuite) SetupTest() {
	db := s.client.Database(mongoTestDB)
	s.NoError(db.Collection("runs").Drop(s.ctx))
	// Keep the collection and its unique index, just empty it.
	_, err := db.Collection("run_events").DeleteMany(s.ctx, map[string]any{})
	s.NoError(err)
}

func (s *MongoStoreTestSuite) newRun(id string) *api.Run {
	now := time.Now()
	return &api.Run{
		ID:           id,
		WorkflowType: "order-flow",
		Status:       api.StatusCreated,
		Input:        map[string]any{"order": id},
		State:        map[string]any{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (s *MongoStoreTestSuite) TestSaveGetUpdateRun() {
	run := s.newRun("r1")
	s.NoError(s.runs.SaveRun(s.ctx, run))
	s.ErrorIs(s.runs.SaveRun(s.ctx, s.newRun("r1")), ErrRunExists)

	got, err := s.runs.GetRun(s.ctx, "r1")
	s.NoError(err)
	s.Equal("order-flow", got.WorkflowType)
	input, ok := got.Input.(map[string]any)
	s.True(ok)
	s.Equal("r1", input["order"])

	got.Status = api.StatusFailed
	got.Failure = &api.RunFailure{StepPath: "flow/x", Kind: "ActivityExecutionError", Message: "boom"}
	s.NoError(s.runs.UpdateRun(s.ctx, got))

	again, err := s.runs.GetRun(s.ctx, "r1")
	s.NoError(err)
	s.Equal(api.StatusFailed, again.Status)
	s.Require().NotNil(again.Failure)
	s.Equal("flow/x", again.Failure.StepPath)

	_, err = s.runs.GetRun(s.ctx, "missing")
	s.ErrorIs(err, ErrRunNotFound)
}

func (s *MongoStoreTestSuite) TestListRunsFilters() {
	a := s.newRun("a")
	b := s.newRun("b")
	b.Status = api.StatusRunning
	c := s.newRun("c")
	c.ParentID = "a"
	for _, r := range []*api.Run{a, b, c} {
		s.NoError(s.runs.SaveRun(s.ctx, r))
	}

	byStatus, err := s.runs.ListRuns(s.ctx, RunFilter{Status: api.StatusRunning})
	s.NoError(err)
	s.Len(byStatus, 1)
	s.Equal("b", byStatus[0].ID)

	byParent, err := s.runs.ListRuns(s.ctx, RunFilter{ParentID: "a"})
	s.NoError(err)
	s.Len(byParent, 1)
	s.Equal("c", byParent[0].ID)
}

func (s *MongoStoreTestSuite) TestLease() {
	s.NoError(s.runs.SaveRun(s.ctx, s.newRun("r1")))

	ok, err := s.runs.TryAcquireLease(s.ctx, "r1", "w1", time.Minute)
	s.NoError(err)
	s.True(ok)

	ok, err = s.runs.TryAcquireLease(s.ctx, "r1", "w2", time.Minute)
	s.NoError(err)
	s.False(ok)

	s.NoError(s.runs.RenewLease(s.ctx, "r1", "w1", time.Minute))
	s.ErrorIs(s.runs.RenewLease(s.ctx, "r1", "w2", time.Minute), ErrLeaseNotHeld)

	s.NoError(s.runs.ReleaseLease(s.ctx, "r1", "w1"))
	ok, err = s.runs.TryAcquireLease(s.ctx, "r1", "w2", time.Minute)
	s.NoError(err)
	s.True(ok)
}

func (s *MongoStoreTestSuite) TestLeaseExpires() {
	s.NoError(s.runs.SaveRun(s.ctx, s.newRun("r1")))

	ok, err := s.runs.TryAcquireLease(s.ctx, "r1", "w1", 10*time.Millisecond)
	s.NoError(err)
	s.True(ok)

	time.Sleep(30 * time.Millisecond)

	ok, err = s.runs.TryAcquireLease(s.ctx, "r1", "w2", time.Minute)
	s.NoError(err)
	s.True(ok)
}

func (s *MongoStoreTestSuite) TestHistoryAppendListLastSeq() {
	for i := 0; i < 3; i++ {
		seq, err := s.history.AppendEvent(s.ctx, &api.Event{
			RunID:    "r1",
			Type:     api.EventActivityCompleted,
			StepPath: []string{"flow/a", "flow/b", "flow/c"}[i],
			Payload:  i,
		})
		s.NoError(err)
		s.Equal(int64(i+1), seq)
	}

	events, err := s.history.ListEvents(s.ctx, "r1")
	s.NoError(err)
	s.Len(events, 3)
	s.Equal("flow/b", events[1].StepPath)
	s.Equal(1, events[1].Payload)

	last, err := s.history.LastSeq(s.ctx, "r1")
	s.NoError(err)
	s.Equal(int64(3), last)

	// Another run's history is independent.
	seq, err := s.history.AppendEvent(s.ctx, &api.Event{RunID: "r2", Type: api.EventSignalReceived, Name: "go"})
	s.NoError(err)
	s.Equal(int64(1), seq)
}

func (s *MongoStoreTestSuite) TestHistoryDuplicateGuards() {
	_, err := s.history.AppendEvent(s.ctx, &api.Event{RunID: "r1", Type: api.EventActivityCompleted, StepPath: "flow/a"})
	s.NoError(err)
	_, err = s.history.AppendEvent(s.ctx, &api.Event{RunID: "r1", Type: api.EventActivityCompleted, StepPath: "flow/a"})
	s.ErrorIs(err, ErrDuplicateEvent)

	_, err = s.history.AppendEvent(s.ctx, &api.Event{RunID: "r1", Type: api.EventRunFailed})
	s.NoError(err)
	_, err = s.history.AppendEvent(s.ctx, &api.Event{RunID: "r1", Type: api.EventRunCompleted})
	s.ErrorIs(err, ErrDuplicateEvent)
}
