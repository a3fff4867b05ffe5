package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pkarhu/loom/pkg/api"
)

// MongoRunStore is a RunStore backed by MongoDB.
type MongoRunStore struct {
	coll *mongo.Collection
}

var _ RunStore = (*MongoRunStore)(nil)

// NewMongoRunStore creates a Mongo-backed run store.
// dbName defaults to "loom" if empty, collName defaults to "runs".
func NewMongoRunStore(client *mongo.Client, dbName, collName string) *MongoRunStore {
	if dbName == "" {
		dbName = "loom"
	}
	if collName == "" {
		collName = "runs"
	}
	return &MongoRunStore{coll: client.Database(dbName).Collection(collName)}
}

type mongoRunDoc struct {
	ID            string `bson:"_id"`
	WorkflowType  string `bson:"workflow_type"`
	Status        string `bson:"status"`
	Input         []byte `bson:"input,omitempty"`
	InputHash     string `bson:"input_hash,omitempty"`
	Output        []byte `bson:"output,omitempty"`
	FailureStep   string `bson:"failure_step,omitempty"`
	FailureKind   string `bson:"failure_kind,omitempty"`
	FailureMsg    string `bson:"failure_msg,omitempty"`
	HistoryCursor int64  `bson:"history_cursor"`
	ParentID      string `bson:"parent_id,omitempty"`
	ClosePolicy   string `bson:"close_policy,omitempty"`
	State         []byte `bson:"state,omitempty"`
	CreatedAt     int64  `bson:"created_at"`
	UpdatedAt     int64  `bson:"updated_at"`
	LeaseOwner    string `bson:"lease_owner,omitempty"`
	LeaseExpires  int64  `bson:"lease_expires,omitempty"`
}

func mongoDocFromRun(run *api.Run) (*mongoRunDoc, error) {
	input, state, err := encodeRunBlobs(run)
	if err != nil {
		return nil, err
	}
	output, err := EncodeValue(run.Output)
	if err != nil {
		return nil, err
	}
	fstep, fkind, fmsg := failureColumns(run)
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	return &mongoRunDoc{
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
	}, nil
}

func runFromMongoDoc(doc *mongoRunDoc) (*api.Run, error) {
	input, err := DecodeValue(doc.Input)
	if err != nil {
		return nil, err
	}
	output, err := DecodeValue(doc.Output)
	if err != nil {
		return nil, err
	}
	stateVal, err := DecodeValue(doc.State)
	if err != nil {
		return nil, err
	}

	run := &api.Run{
		ID:                doc.ID,
		WorkflowType:      doc.WorkflowType,
		Status:            api.Status(doc.Status),
		Input:             input,
		InputHash:         doc.InputHash,
		Output:            output,
		HistoryCursor:     doc.HistoryCursor,
		ParentID:          doc.ParentID,
		ParentClosePolicy: api.ParentClosePolicy(doc.ClosePolicy),
		CreatedAt:         time.Unix(0, doc.CreatedAt),
		UpdatedAt:         time.Unix(0, doc.UpdatedAt),
	}
	if m, ok := stateVal.(map[string]any); ok {
		run.State = m
	}
	if doc.FailureKind != "" || doc.FailureMsg != "" {
		run.Failure = &api.RunFailure{StepPath: doc.FailureStep, Kind: doc.FailureKind, Message: doc.FailureMsg}
	}
	return run, nil
}

func (s *MongoRunStore) SaveRun(ctx context.Context, run *api.Run) error {
	doc, err := mongoDocFromRun(run)
	if err != nil {
		return err
	}
	_, err = s.coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrRunExists
	}
	return err
}

func (s *MongoRunStore) UpdateRun(ctx context.Context, run *api.Run) error {
	doc, err := mongoDocFromRun(run)
	if err != nil {
		return err
	}
	update := bson.M{"$set": bson.M{
		"workflow_type":  doc.WorkflowType,
		"status":         doc.Status,
		"input":          doc.Input,
		"input_hash":     doc.InputHash,
		"output":         doc.Output,
		"failure_step":   doc.FailureStep,
		"failure_kind":   doc.FailureKind,
		"failure_msg":    doc.FailureMsg,
		"history_cursor": doc.HistoryCursor,
		"parent_id":      doc.ParentID,
		"close_policy":   doc.ClosePolicy,
		"state":          doc.State,
		"updated_at":     doc.UpdatedAt,
	}}
	res, err := s.coll.UpdateByID(ctx, run.ID, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *MongoRunStore) GetRun(ctx context.Context, id string) (*api.Run, error) {
	var doc mongoRunDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return runFromMongoDoc(&doc)
}

func (s *MongoRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.Run, error) {
	query := bson.M{}
	if filter.WorkflowType != "" {
		query["workflow_type"] = filter.WorkflowType
	}
	if filter.Status != "" {
		query["status"] = string(filter.Status)
	}
	if filter.ParentID != "" {
		query["parent_id"] = filter.ParentID
	}

	cur, err := s.coll.Find(ctx, query)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var runs []*api.Run
	for cur.Next(ctx) {
		var doc mongoRunDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		run, err := runFromMongoDoc(&doc)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, cur.Err()
}

func (s *MongoRunStore) TryAcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	filter := bson.M{
		"_id": runID,
		"$or": []bson.M{
			{"lease_owner": ""},
			{"lease_owner": bson.M{"$exists": false}},
			{"lease_owner": owner},
			{"lease_expires": bson.M{"$lt": now.UnixNano()}},
		},
	}
	update := bson.M{"$set": bson.M{
		"lease_owner":   owner,
		"lease_expires": now.Add(ttl).UnixNano(),
	}}
	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

func (s *MongoRunStore) RenewLease(ctx context.Context, runID, owner string, ttl time.Duration) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": runID, "lease_owner": owner},
		bson.M{"$set": bson.M{"lease_expires": time.Now().Add(ttl).UnixNano()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (s *MongoRunStore) ReleaseLease(ctx context.Context, runID, owner string) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": runID, "lease_owner": owner},
		bson.M{"$set": bson.M{"lease_owner": "", "lease_expires": 0}},
	)
	return err
}

// MongoHistoryStore stores run history events in MongoDB. A unique index on
// (run_id, seq) makes concurrent seq assignment safe: losers of the race get
// a duplicate-key error and retry.
type MongoHistoryStore struct {
	coll *mongo.Collection
}

var _ HistoryStore = (*MongoHistoryStore)(nil)

// NewMongoHistoryStore creates a Mongo-backed history store.
// dbName defaults to "loom", collName to "run_events".
func NewMongoHistoryStore(ctx context.Context, client *mongo.Client, dbName, collName string) (*MongoHistoryStore, error) {
	if dbName == "" {
		dbName = "loom"
	}
	if collName == "" {
		collName = "run_events"
	}
	coll := client.Database(dbName).Collection(collName)
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, err
	}
	return &MongoHistoryStore{coll: coll}, nil
}

type mongoEventDoc struct {
	RunID    string `bson:"run_id"`
	Seq      int64  `bson:"seq"`
	Type     string `bson:"type"`
	StepPath string `bson:"step_path,omitempty"`
	Name     string `bson:"name,omitempty"`
	Attempt  int    `bson:"attempt,omitempty"`
	Payload  []byte `bson:"payload,omitempty"`
	Error    string `bson:"error,omitempty"`
	At       int64  `bson:"at"`
}

func (s *MongoHistoryStore) AppendEvent(ctx context.Context, ev *api.Event) (int64, error) {
	if ev.Type.TerminalEvent() {
		n, err := s.coll.CountDocuments(ctx, bson.M{
			"run_id": ev.RunID,
			"type": bson.M{"$in": []string{
				string(api.EventRunCompleted),
				string(api.EventRunFailed),
				string(api.EventCancelled),
			}},
		})
		if err != nil {
			return 0, err
		}
		if n > 0 {
			return 0, ErrDuplicateEvent
		}
	}
	switch ev.Type {
	case api.EventActivityCompleted, api.EventActivityFailed, api.EventChildCompleted:
		n, err := s.coll.CountDocuments(ctx, bson.M{
			"run_id":    ev.RunID,
			"step_path": ev.StepPath,
			"type": bson.M{"$in": []string{
				string(api.EventActivityCompleted),
				string(api.EventActivityFailed),
				string(api.EventChildCompleted),
			}},
		})
		if err != nil {
			return 0, err
		}
		if n > 0 {
			return 0, ErrDuplicateEvent
		}
	}

	payload, err := EncodeValue(ev.Payload)
	if err != nil {
		return 0, err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	// The unique (run_id, seq) index arbitrates concurrent appends.
	for {
		seq, err := s.nextSeq(ctx, ev.RunID)
		if err != nil {
			return 0, err
		}
		doc := mongoEventDoc{
			RunID:    ev.RunID,
			Seq:      seq,
			Type:     string(ev.Type),
			StepPath: ev.StepPath,
			Name:     ev.Name,
			Attempt:  ev.Attempt,
			Payload:  payload,
			Error:    ev.Error,
			At:       ev.Timestamp.UnixNano(),
		}
		_, err = s.coll.InsertOne(ctx, doc)
		if err == nil {
			ev.Seq = seq
			return seq, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return 0, err
		}
	}
}

func (s *MongoHistoryStore) nextSeq(ctx context.Context, runID string) (int64, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}})
	var doc mongoEventDoc
	err := s.coll.FindOne(ctx, bson.M{"run_id": runID}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 1, nil
		}
		return 0, err
	}
	return doc.Seq + 1, nil
}

func (s *MongoHistoryStore) ListEvents(ctx context.Context, runID string) ([]api.Event, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	cur, err := s.coll.Find(ctx, bson.M{"run_id": runID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.Event
	for cur.Next(ctx) {
		var doc mongoEventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		payload, err := DecodeValue(doc.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, api.Event{
			Seq:       doc.Seq,
			RunID:     doc.RunID,
			Type:      api.EventType(doc.Type),
			StepPath:  doc.StepPath,
			Name:      doc.Name,
			Attempt:   doc.Attempt,
			Payload:   payload,
			Error:     doc.Error,
			Timestamp: time.Unix(0, doc.At),
		})
	}
	return out, cur.Err()
}

func (s *MongoHistoryStore) LastSeq(ctx context.Context, runID string) (int64, error) {
	seq, err := s.nextSeq(ctx, runID)
	if err != nil {
		return 0, err
	}
	return seq - 1, nil
}
