package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/cucinellclark/bvbrc-agent-core/internal/workers"
)

const (
	defaultSessionsCollection = "agent_sessions"
	defaultMessagesCollection = "agent_messages"
	defaultSummariesCollection = "agent_summaries"
	defaultOpTimeout          = 5 * time.Second
)

// MongoStore is the durable Store backing for multi-process deployments
// (DOMAIN STACK: go.mongodb.org/mongo-driver/v2), grounded on
// goadesign-goa-ai/features/session/mongo/clients/mongo's collection
// layout and upsert-via-$setOnInsert idempotency pattern, extended with
// two additional collections (messages, summaries) this spec's session
// model needs beyond the teacher's lifecycle-only session store.
type MongoStore struct {
	sessions  *mongo.Collection
	messages  *mongo.Collection
	summaries *mongo.Collection
	timeout   time.Duration
}

// MongoOptions configures NewMongoStore.
type MongoOptions struct {
	Client              *mongo.Client
	Database            string
	SessionsCollection  string
	MessagesCollection  string
	SummariesCollection string
	Timeout             time.Duration
}

// NewMongoStore builds a MongoStore and ensures the indexes the query
// patterns below rely on (session_id lookups, message ordering).
func NewMongoStore(ctx context.Context, opts MongoOptions) (*MongoStore, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("mongo client is required")
	}
	if opts.Database == "" {
		return nil, fmt.Errorf("database name is required")
	}
	sessionsName := orDefault(opts.SessionsCollection, defaultSessionsCollection)
	messagesName := orDefault(opts.MessagesCollection, defaultMessagesCollection)
	summariesName := orDefault(opts.SummariesCollection, defaultSummariesCollection)
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	s := &MongoStore{
		sessions:  db.Collection(sessionsName),
		messages:  db.Collection(messagesName),
		summaries: db.Collection(summariesName),
		timeout:   timeout,
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := s.sessions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}}, Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, fmt.Errorf("ensure session index: %w", err)
	}
	if _, err := s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "created_at", Value: 1}},
	}); err != nil {
		return nil, fmt.Errorf("ensure message index: %w", err)
	}
	if _, err := s.summaries.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}}, Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, fmt.Errorf("ensure summary index: %w", err)
	}
	return s, nil
}

func orDefault(v, dflt string) string {
	if v == "" {
		return dflt
	}
	return v
}

func (s *MongoStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

type sessionDoc struct {
	SessionID string     `bson:"session_id"`
	UserID    string     `bson:"user_id"`
	Status    Status     `bson:"status"`
	CreatedAt time.Time  `bson:"created_at"`
	EndedAt   *time.Time `bson:"ended_at,omitempty"`
}

func (s *MongoStore) CreateSession(ctx context.Context, sessionID, userID string, createdAt time.Time) (Session, error) {
	existing, err := s.LoadSession(ctx, sessionID)
	if err == nil {
		if existing.Status == StatusEnded {
			return Session{}, ErrSessionEnded
		}
		return existing, nil
	}
	if err != ErrSessionNotFound {
		return Session{}, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sessionID}
	update := bson.M{
		"$setOnInsert": bson.M{
			"session_id": sessionID,
			"user_id":    userID,
			"status":     StatusActive,
			"created_at": createdAt,
		},
	}
	if _, err := s.sessions.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return Session{}, fmt.Errorf("create session %q: %w", sessionID, err)
	}
	return s.LoadSession(ctx, sessionID)
}

func (s *MongoStore) LoadSession(ctx context.Context, sessionID string) (Session, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc sessionDoc
	err := s.sessions.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session %q: %w", sessionID, err)
	}
	return Session{ID: doc.SessionID, UserID: doc.UserID, Status: doc.Status, CreatedAt: doc.CreatedAt, EndedAt: doc.EndedAt}, nil
}

func (s *MongoStore) EndSession(ctx context.Context, sessionID string, endedAt time.Time) (Session, error) {
	sess, err := s.LoadSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if sess.Status == StatusEnded {
		return sess, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{"status": StatusEnded, "ended_at": endedAt}}
	if _, err := s.sessions.UpdateOne(ctx, bson.M{"session_id": sessionID}, update); err != nil {
		return Session{}, fmt.Errorf("end session %q: %w", sessionID, err)
	}
	return s.LoadSession(ctx, sessionID)
}

type messageDoc struct {
	SessionID string    `bson:"session_id"`
	Role      string    `bson:"role"`
	Text      string    `bson:"text"`
	CreatedAt time.Time `bson:"created_at"`
}

func (s *MongoStore) AppendMessage(ctx context.Context, msg Message) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.messages.InsertOne(ctx, messageDoc{
		SessionID: msg.SessionID, Role: msg.Role, Text: msg.Text, CreatedAt: msg.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("append message for session %q: %w", msg.SessionID, err)
	}
	return nil
}

func (s *MongoStore) Messages(ctx context.Context, sessionID string) ([]workers.Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.messages.Find(ctx, bson.M{"session_id": sessionID}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list messages for session %q: %w", sessionID, err)
	}
	defer cur.Close(ctx)

	var out []workers.Message
	for cur.Next(ctx) {
		var doc messageDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode message for session %q: %w", sessionID, err)
		}
		out = append(out, workers.Message{Role: doc.Role, Text: doc.Text})
	}
	return out, cur.Err()
}

func (s *MongoStore) MessageCount(ctx context.Context, sessionID string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.messages.CountDocuments(ctx, bson.M{"session_id": sessionID})
	if err != nil {
		return 0, fmt.Errorf("count messages for session %q: %w", sessionID, err)
	}
	return int(n), nil
}

type summaryDoc struct {
	SessionID       string    `bson:"session_id"`
	Text            string    `bson:"text"`
	CoveredMessages int       `bson:"covered_messages"`
	UpdatedAt       time.Time `bson:"updated_at"`
}

func (s *MongoStore) SaveSummary(ctx context.Context, sessionID, summary string, coveredMessages int, now time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{
		"session_id":       sessionID,
		"text":             summary,
		"covered_messages": coveredMessages,
		"updated_at":       now,
	}}
	_, err := s.summaries.UpdateOne(ctx, bson.M{"session_id": sessionID}, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save summary for session %q: %w", sessionID, err)
	}
	return nil
}

func (s *MongoStore) LoadSummary(ctx context.Context, sessionID string) (Summary, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc summaryDoc
	err := s.summaries.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return Summary{}, false, nil
	}
	if err != nil {
		return Summary{}, false, fmt.Errorf("load summary for session %q: %w", sessionID, err)
	}
	return Summary{SessionID: doc.SessionID, Text: doc.Text, CoveredMessages: doc.CoveredMessages, UpdatedAt: doc.UpdatedAt}, true, nil
}
