package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/streamvault/streamvault/internal/logx"
)

// Entry is one indexed file in the log channel. The streaming core never
// touches the catalog; only the bot command surface reads and writes it.
type Entry struct {
	MessageID  int64     `bson:"message_id"`
	FileID     string    `bson:"file_id"`
	CustomName string    `bson:"custom_name"`
	FileSize   int64     `bson:"file_size"`
	Source     string    `bson:"source"`
	UploadedBy int64     `bson:"uploaded_by"`
	CreatedAt  time.Time `bson:"created_at"`
	IsActive   bool      `bson:"is_active"`
}

// StreamLink renders the public playback URL for this entry.
func (e Entry) StreamLink(baseURL string, channelID int64) string {
	return fmt.Sprintf("%s/stream/%d/%d", baseURL, channelID, e.MessageID)
}

var ErrNotFound = errors.New("catalog entry not found")

// Store is the MongoDB-backed catalog of indexed files.
type Store struct {
	coll *mongo.Collection
	log  zerolog.Logger
}

// Connect opens the database and ensures the indexes the catalog queries
// rely on: unique message id, per-uploader filter, newest-first listing and
// text search over custom names.
func Connect(ctx context.Context, url, dbName string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(url))
	if err != nil {
		return nil, fmt.Errorf("error connecting to MongoDB: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("error pinging MongoDB: %v", err)
	}
	coll := client.Database(dbName).Collection("indexed_files")

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "message_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "uploaded_by", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "custom_name", Value: "text"}}},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("error creating catalog indexes: %v", err)
	}

	log := logx.Get("catalog")
	log.Info().Str("db", dbName).Msg("Catalog store connected")
	return &Store{coll: coll, log: log}, nil
}

func (s *Store) Save(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.IsActive = true
	opts := options.Replace().SetUpsert(true)
	_, err := s.coll.ReplaceOne(ctx, bson.M{"message_id": e.MessageID}, e, opts)
	if err != nil {
		return fmt.Errorf("error saving catalog entry: %v", err)
	}
	s.log.Debug().Int64("message_id", e.MessageID).Str("name", e.CustomName).Msg("Catalog entry saved")
	return nil
}

func (s *Store) ByMessageID(ctx context.Context, messageID int64) (*Entry, error) {
	var e Entry
	err := s.coll.FindOne(ctx, bson.M{"message_id": messageID, "is_active": true}).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error loading catalog entry: %v", err)
	}
	return &e, nil
}

// List returns one page of active entries, newest first. Pages are 1-based.
func (s *Store) List(ctx context.Context, page, perPage int64) ([]Entry, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 10
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip((page - 1) * perPage).
		SetLimit(perPage)
	cur, err := s.coll.Find(ctx, bson.M{"is_active": true}, opts)
	if err != nil {
		return nil, fmt.Errorf("error listing catalog: %v", err)
	}
	defer cur.Close(ctx)
	var entries []Entry
	if err := cur.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("error decoding catalog page: %v", err)
	}
	return entries, nil
}

// Search runs a text search over custom names, active entries only.
func (s *Store) Search(ctx context.Context, query string, limit int64) ([]Entry, error) {
	if limit < 1 {
		limit = 10
	}
	filter := bson.M{
		"is_active": true,
		"$text":     bson.M{"$search": query},
	}
	cur, err := s.coll.Find(ctx, filter, options.Find().SetLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("error searching catalog: %v", err)
	}
	defer cur.Close(ctx)
	var entries []Entry
	if err := cur.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("error decoding search results: %v", err)
	}
	return entries, nil
}

// SoftDelete hides an entry from listings without destroying the record.
func (s *Store) SoftDelete(ctx context.Context, messageID int64) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"message_id": messageID, "is_active": true},
		bson.M{"$set": bson.M{"is_active": false}},
	)
	if err != nil {
		return fmt.Errorf("error deleting catalog entry: %v", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	s.log.Info().Int64("message_id", messageID).Msg("Catalog entry soft-deleted")
	return nil
}

// Stats reports active entry count and total indexed bytes.
func (s *Store) Stats(ctx context.Context) (count int64, totalBytes int64, err error) {
	count, err = s.coll.CountDocuments(ctx, bson.M{"is_active": true})
	if err != nil {
		return 0, 0, fmt.Errorf("error counting catalog: %v", err)
	}
	cur, err := s.coll.Aggregate(ctx, mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.M{"is_active": true}}},
		bson.D{{Key: "$group", Value: bson.M{"_id": nil, "total": bson.M{"$sum": "$file_size"}}}},
	})
	if err != nil {
		return 0, 0, fmt.Errorf("error aggregating catalog size: %v", err)
	}
	defer cur.Close(ctx)
	var agg []struct {
		Total int64 `bson:"total"`
	}
	if err := cur.All(ctx, &agg); err != nil {
		return 0, 0, fmt.Errorf("error decoding catalog stats: %v", err)
	}
	if len(agg) > 0 {
		totalBytes = agg[0].Total
	}
	return count, totalBytes, nil
}
