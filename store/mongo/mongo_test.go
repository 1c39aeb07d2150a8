package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/roundtable/convo"
	"goa.design/roundtable/store"
)

// fakeCollection is a minimal in-memory stand-in recording the filters and
// updates the store issues.
type fakeCollection struct {
	docs    map[string]bson.M
	updates []bson.M
	filters []any
	findErr error
	results []bson.M
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]bson.M)}
}

func (f *fakeCollection) FindOne(_ context.Context, filter any, _ ...*options.FindOneOptions) singleResult {
	f.filters = append(f.filters, filter)
	id, _ := filter.(bson.M)["_id"].(string)
	doc, ok := f.docs[id]
	if !ok {
		return fakeResult{err: mongodriver.ErrNoDocuments}
	}
	return fakeResult{doc: doc}
}

func (f *fakeCollection) Find(_ context.Context, filter any, _ ...*options.FindOptions) (cursor, error) {
	f.filters = append(f.filters, filter)
	if f.findErr != nil {
		return nil, f.findErr
	}
	return &fakeCursor{docs: f.results}, nil
}

func (f *fakeCollection) UpdateOne(_ context.Context, filter any, update any, _ ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	f.filters = append(f.filters, filter)
	f.updates = append(f.updates, update.(bson.M))
	return &mongodriver.UpdateResult{}, nil
}

func (f *fakeCollection) Indexes() indexView { return fakeIndexView{} }

type fakeIndexView struct{}

func (fakeIndexView) CreateOne(_ context.Context, _ mongodriver.IndexModel, _ ...*options.CreateIndexesOptions) (string, error) {
	return "", nil
}

type fakeResult struct {
	doc bson.M
	err error
}

func (r fakeResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	raw, err := bson.Marshal(r.doc)
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, val)
}

type fakeCursor struct {
	docs []bson.M
	pos  int
}

func (c *fakeCursor) Close(context.Context) error { return nil }
func (c *fakeCursor) Err() error                  { return nil }

func (c *fakeCursor) Next(context.Context) bool {
	if c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *fakeCursor) Decode(val any) error {
	raw, err := bson.Marshal(c.docs[c.pos-1])
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, val)
}

func newTestStore(t *testing.T, convos, members *fakeCollection) *Store {
	t.Helper()
	s, err := newStoreWithCollections(nil, convos, members, time.Second)
	require.NoError(t, err)
	return s
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t, newFakeCollection(), newFakeCollection())
	_, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetDecodesDocument(t *testing.T) {
	convos := newFakeCollection()
	convos.docs["c1"] = bson.M{
		"_id":          "c1",
		"topic":        "topic",
		"mode":         "campfire",
		"max_turns":    10,
		"status":       "active",
		"current_turn": 2,
	}
	s := newTestStore(t, convos, newFakeCollection())

	c, err := s.Get(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, "c1", c.ID)
	require.Equal(t, convo.ModeCampfire, c.Mode)
	require.Equal(t, 2, c.CurrentTurn)
}

func TestPutUpserts(t *testing.T) {
	convos := newFakeCollection()
	s := newTestStore(t, convos, newFakeCollection())

	c := &convo.Conversation{
		ID:        "c1",
		Topic:     "topic",
		Mode:      convo.ModeBTS,
		MaxTurns:  5,
		Status:    convo.StatusActive,
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.Put(context.Background(), c))

	require.Len(t, convos.updates, 1)
	update := convos.updates[0]
	set := update["$set"].(bson.M)
	require.Equal(t, "topic", set["topic"])
	require.NotContains(t, set, "created_at")
	onInsert := update["$setOnInsert"].(bson.M)
	require.Contains(t, onInsert, "created_at")
}

func TestAddUserToConversationIsInsertOnly(t *testing.T) {
	members := newFakeCollection()
	s := newTestStore(t, newFakeCollection(), members)

	require.NoError(t, s.AddUserToConversation(context.Background(), "u1", "c1"))
	require.Len(t, members.updates, 1)
	update := members.updates[0]
	require.NotContains(t, update, "$set")
	onInsert := update["$setOnInsert"].(bson.M)
	require.Equal(t, "u1", onInsert["user_id"])
	require.Equal(t, "c1", onInsert["conversation_id"])
}

func TestListByUserSkipsMissingConversations(t *testing.T) {
	convos := newFakeCollection()
	convos.docs["c1"] = bson.M{"_id": "c1", "topic": "t", "mode": "solo", "max_turns": 1, "status": "pending"}
	members := newFakeCollection()
	members.results = []bson.M{
		{"user_id": "u1", "conversation_id": "c1"},
		{"user_id": "u1", "conversation_id": "gone"},
	}
	s := newTestStore(t, convos, members)

	list, err := s.ListByUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "c1", list[0].ID)
}
