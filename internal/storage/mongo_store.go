package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"coachchat/internal/config"
	"coachchat/internal/models"
)

// MongoStore keeps one document per transcript and one per account.
// Appends use $push with a $set on the same document, which MongoDB
// applies atomically.
type MongoStore struct {
	client      *mongo.Client
	transcripts *mongo.Collection
	accounts    *mongo.Collection
}

// NewMongoStore connects, pings and ensures indexes.
func NewMongoStore(ctx context.Context, cfg config.DatabaseConfig) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(cfg.Name)
	s := &MongoStore{
		client:      client,
		transcripts: db.Collection(cfg.TranscriptCollection),
		accounts:    db.Collection(cfg.AccountCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	if _, err := s.accounts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}); err != nil {
		return fmt.Errorf("create account indexes: %w", err)
	}
	if _, err := s.transcripts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "pending_since", Value: 1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("create transcript indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) InsertTranscript(ctx context.Context, t *models.Transcript) error {
	if t == nil {
		return errors.New("transcript required")
	}
	if _, err := s.transcripts.InsertOne(ctx, t); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("insert transcript: %w", err)
	}
	return nil
}

func (s *MongoStore) GetTranscript(ctx context.Context, id int64) (*models.Transcript, error) {
	var t models.Transcript
	if err := s.transcripts.FindOne(ctx, bson.M{"_id": id}).Decode(&t); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("transcript %d: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("get transcript: %w", err)
	}
	return &t, nil
}

func (s *MongoStore) AppendTurn(ctx context.Context, id int64, turn models.Turn, status models.Status, at time.Time) error {
	if !turn.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", models.ErrValidation, turn.Role)
	}
	set := bson.M{"status": status, "updated_at": at.UTC()}
	update := bson.M{
		"$push": bson.M{"chat_progress": turn},
		"$set":  set,
	}
	if status == models.StatusAwaitingAssistant {
		set["pending_since"] = at.UTC()
	} else {
		update["$unset"] = bson.M{"pending_since": ""}
	}
	res, err := s.transcripts.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("transcript %d: %w", id, models.ErrNotFound)
	}
	return nil
}

func (s *MongoStore) SetStatus(ctx context.Context, id int64, status models.Status, at time.Time) error {
	res, err := s.transcripts.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set":   bson.M{"status": status, "updated_at": at.UTC()},
		"$unset": bson.M{"pending_since": ""},
	})
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("transcript %d: %w", id, models.ErrNotFound)
	}
	return nil
}

func (s *MongoStore) MarkStale(ctx context.Context, cutoff, at time.Time) (int64, error) {
	res, err := s.transcripts.UpdateMany(ctx,
		bson.M{
			"status":        models.StatusAwaitingAssistant,
			"pending_since": bson.M{"$lt": cutoff.UTC()},
		},
		bson.M{
			"$set":   bson.M{"status": models.StatusInterrupted, "updated_at": at.UTC()},
			"$unset": bson.M{"pending_since": ""},
		},
	)
	if err != nil {
		return 0, fmt.Errorf("mark stale transcripts: %w", err)
	}
	return res.ModifiedCount, nil
}

func (s *MongoStore) CreateAccount(ctx context.Context, a *models.Account) error {
	if a == nil {
		return errors.New("account required")
	}
	if _, err := s.accounts.InsertOne(ctx, a); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("email %s: %w", a.Email, models.ErrConflict)
		}
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (s *MongoStore) AccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	return s.findAccount(ctx, bson.M{"email": email})
}

func (s *MongoStore) AccountByID(ctx context.Context, id string) (*models.Account, error) {
	return s.findAccount(ctx, bson.M{"_id": id})
}

func (s *MongoStore) findAccount(ctx context.Context, filter bson.M) (*models.Account, error) {
	var a models.Account
	if err := s.accounts.FindOne(ctx, filter).Decode(&a); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("account: %w", models.ErrNotFound)
		}
		return nil, fmt.Errorf("query account: %w", err)
	}
	return &a, nil
}

func (s *MongoStore) AppendAccountTranscript(ctx context.Context, accountID string, transcriptID int64) error {
	res, err := s.accounts.UpdateOne(ctx,
		bson.M{"_id": accountID},
		bson.M{"$push": bson.M{"associated_chats": transcriptID}},
	)
	if err != nil {
		return fmt.Errorf("append account transcript: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("account %s: %w", accountID, models.ErrNotFound)
	}
	return nil
}
