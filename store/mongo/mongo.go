// Package mongo provides a MongoDB-backed conversation store. Conversations
// live in a single collection keyed by conversation id; the user index is a
// separate membership collection so ListByUser stays a single indexed query.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/roundtable/convo"
	"goa.design/roundtable/store"
)

type (
	// Options configures the Mongo store.
	Options struct {
		Client                  *mongodriver.Client
		Database                string
		ConversationsCollection string
		MembershipsCollection   string
		Timeout                 time.Duration
	}

	// Store implements store.Store on MongoDB.
	Store struct {
		mongo       *mongodriver.Client
		convos      collection
		memberships collection
		timeout     time.Duration
	}

	membershipDocument struct {
		UserID         string    `bson:"user_id"`
		ConversationID string    `bson:"conversation_id"`
		JoinedAt       time.Time `bson:"joined_at"`
	}
)

const (
	defaultConversationsCollection = "conversations"
	defaultMembershipsCollection   = "conversation_members"
	defaultOpTimeout               = 5 * time.Second
	clientName                     = "conversation-mongo"
)

// New returns a Store backed by MongoDB. It ensures the supporting indexes
// on construction.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	convosName := opts.ConversationsCollection
	if convosName == "" {
		convosName = defaultConversationsCollection
	}
	membersName := opts.MembershipsCollection
	if membersName == "" {
		membersName = defaultMembershipsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	convos := mongoCollection{coll: db.Collection(convosName)}
	members := mongoCollection{coll: db.Collection(membersName)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, convos, members); err != nil {
		return nil, err
	}
	return newStoreWithCollections(opts.Client, convos, members, timeout)
}

func newStoreWithCollections(client *mongodriver.Client, convos, members collection, timeout time.Duration) (*Store, error) {
	if convos == nil || members == nil {
		return nil, errors.New("collections are required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{
		mongo:       client,
		convos:      convos,
		memberships: members,
		timeout:     timeout,
	}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return clientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, id string) (*convo.Conversation, error) {
	if id == "" {
		return nil, errors.New("mongo: conversation id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var c convo.Conversation
	if err := s.convos.FindOne(ctx, bson.M{"_id": id}).Decode(&c); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongo: get conversation %s: %w", id, err)
	}
	return &c, nil
}

// Put implements store.Store. The write is a full-document replace-style
// upsert so retries and re-puts are safe.
func (s *Store) Put(ctx context.Context, c *convo.Conversation) error {
	if c == nil || c.ID == "" {
		return errors.New("mongo: conversation id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{
		"$set": bson.M{
			"topic":             c.Topic,
			"goal":              c.Goal,
			"mode":              c.Mode,
			"max_turns":         c.MaxTurns,
			"status":            c.Status,
			"current_turn":      c.CurrentTurn,
			"participants":      c.Participants,
			"messages":          c.Messages,
			"initiator_user_id": c.InitiatorUserID,
			"updated_at":        c.UpdatedAt.UTC(),
			"end_reason":        c.EndReason,
		},
		"$setOnInsert": bson.M{
			"created_at": c.CreatedAt.UTC(),
		},
	}
	if _, err := s.convos.UpdateOne(ctx, bson.M{"_id": c.ID}, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("mongo: put conversation %s: %w", c.ID, err)
	}
	return nil
}

// ListByUser implements store.Store.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]*convo.Conversation, error) {
	if userID == "" {
		return nil, errors.New("mongo: user id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.memberships.Find(ctx, bson.M{"user_id": userID}, options.Find().SetSort(bson.D{{Key: "joined_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo: list memberships for %s: %w", userID, err)
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var ids []string
	for cur.Next(ctx) {
		var doc membershipDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		ids = append(ids, doc.ConversationID)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}

	out := make([]*convo.Conversation, 0, len(ids))
	for _, id := range ids {
		c, err := s.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// AddUserToConversation implements store.Store. Membership writes are
// idempotent.
func (s *Store) AddUserToConversation(ctx context.Context, userID, conversationID string) error {
	if userID == "" || conversationID == "" {
		return errors.New("mongo: user id and conversation id are required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"user_id": userID, "conversation_id": conversationID}
	update := bson.M{
		"$setOnInsert": bson.M{
			"user_id":         userID,
			"conversation_id": conversationID,
			"joined_at":       time.Now().UTC(),
		},
	}
	if _, err := s.memberships.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("mongo: add %s to conversation %s: %w", userID, conversationID, err)
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func ensureIndexes(ctx context.Context, convos, members collection) error {
	statusIndex := mongodriver.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}},
	}
	if _, err := convos.Indexes().CreateOne(ctx, statusIndex); err != nil {
		return err
	}
	memberIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "user_id", Value: 1},
			{Key: "conversation_id", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	if _, err := members.Indexes().CreateOne(ctx, memberIndex); err != nil {
		return err
	}
	memberUserIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "user_id", Value: 1},
			{Key: "joined_at", Value: -1},
		},
	}
	_, err := members.Indexes().CreateOne(ctx, memberUserIndex)
	return err
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return c.coll.Indexes()
}
