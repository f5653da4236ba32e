package db

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/lexaid/lexaid/internal/config"
)

// ArchivedTurn is one persisted message of a conversation transcript.
type ArchivedTurn struct {
	ConversationID string          `bson:"conversation_id"`
	UserID         string          `bson:"user_id"`
	MessageID      string          `bson:"message_id"`
	Role           string          `bson:"role"`
	Content        string          `bson:"content"`
	Sources        []ArchivedSource `bson:"sources,omitempty"`
	Feedback       string          `bson:"feedback,omitempty"`
	CreatedAt      time.Time       `bson:"created_at"`
}

type ArchivedSource struct {
	Title string `bson:"title"`
	URL   string `bson:"url"`
}

type Mongo struct {
	Client        *mongo.Client
	Database      *mongo.Database
	Conversations *mongo.Collection
}

func NewMongo(ctx context.Context, cfg config.MongoConfig) (*Mongo, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo: uri is required")
	}

	clientOpts := options.Client().ApplyURI(cfg.URI)
	if cfg.ConnectTimeout > 0 {
		clientOpts.SetServerSelectionTimeout(cfg.ConnectTimeout)
	}

	ctx, cancel := context.WithTimeout(ctx, timeoutOrDefault(cfg.ConnectTimeout))
	defer cancel()

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}

	database := client.Database(cfg.Database)
	store := &Mongo{
		Client:        client,
		Database:      database,
		Conversations: database.Collection("conversations"),
	}

	return store, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	if m == nil || m.Client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return m.Client.Disconnect(ctx)
}

func (m *Mongo) EnsureCollections(ctx context.Context) error {
	if m == nil || m.Database == nil {
		return fmt.Errorf("mongo: database not initialised")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := m.Conversations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("mongo: ensure conversation index: %w", err)
	}

	_, err = m.Conversations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "message_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("mongo: ensure message index: %w", err)
	}

	return nil
}

// AppendTurns upserts completed turns of a conversation. Regenerated
// assistant messages keep their message id, so the upsert replaces
// the previous text instead of duplicating the turn.
func (m *Mongo) AppendTurns(ctx context.Context, turns []ArchivedTurn) error {
	if m == nil || m.Conversations == nil {
		return fmt.Errorf("mongo: conversations collection not initialised")
	}
	if len(turns) == 0 {
		return nil
	}

	writes := make([]mongo.WriteModel, 0, len(turns))
	for _, turn := range turns {
		writes = append(writes, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"message_id": turn.MessageID}).
			SetReplacement(turn).
			SetUpsert(true))
	}

	if _, err := m.Conversations.BulkWrite(ctx, writes); err != nil {
		return fmt.Errorf("mongo: append turns: %w", err)
	}

	return nil
}

func (m *Mongo) RecordFeedback(ctx context.Context, messageID, feedback string) error {
	if m == nil || m.Conversations == nil {
		return fmt.Errorf("mongo: conversations collection not initialised")
	}

	_, err := m.Conversations.UpdateOne(ctx,
		bson.M{"message_id": messageID},
		bson.M{"$set": bson.M{"feedback": feedback}},
	)
	if err != nil {
		return fmt.Errorf("mongo: record feedback: %w", err)
	}

	return nil
}

func (m *Mongo) ListTurns(ctx context.Context, conversationID, userID string) ([]ArchivedTurn, error) {
	if m == nil || m.Conversations == nil {
		return nil, fmt.Errorf("mongo: conversations collection not initialised")
	}

	filter := bson.M{"conversation_id": conversationID, "user_id": userID}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})

	cursor, err := m.Conversations.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: list turns: %w", err)
	}
	defer cursor.Close(ctx)

	var turns []ArchivedTurn
	if err := cursor.All(ctx, &turns); err != nil {
		return nil, fmt.Errorf("mongo: decode turns: %w", err)
	}

	return turns, nil
}
