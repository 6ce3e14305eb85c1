package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoSnapshot struct {
	DocID     string    `bson:"_id"`
	Clock     uint64    `bson:"clock"`
	Content   string    `bson:"content"` // delta JSON，属性值类型不受 BSON 影响
	Text      string    `bson:"text"`
	CreatedAt time.Time `bson:"createdAt"`
}

// MongoStore 每个文档一条记录，ReplaceOne 整体替换
type MongoStore struct {
	coll *mongo.Collection
}

func NewMongoStore(coll *mongo.Collection) *MongoStore {
	return &MongoStore{coll: coll}
}

func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return client, nil
}

func (s *MongoStore) Load(ctx context.Context, docID string) (Snapshot, error) {
	var doc mongoSnapshot
	err := s.coll.FindOne(ctx, bson.M{"_id": docID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Snapshot{}, fmt.Errorf("doc %s: %w", docID, ErrSnapshotNotFound)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load snapshot of doc %s: %w", docID, err)
	}
	snap := Snapshot{DocID: doc.DocID, Clock: doc.Clock, Text: doc.Text, CreatedAt: doc.CreatedAt}
	if err := json.Unmarshal([]byte(doc.Content), &snap.Content); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot of doc %s is unreadable: %w", docID, err)
	}
	return snap, nil
}

func (s *MongoStore) Store(ctx context.Context, snap Snapshot) error {
	content, err := json.Marshal(snap.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	doc := mongoSnapshot{
		DocID:     snap.DocID,
		Clock:     snap.Clock,
		Content:   string(content),
		Text:      snap.Text,
		CreatedAt: snap.CreatedAt,
	}
	_, err = s.coll.ReplaceOne(ctx, bson.M{"_id": snap.DocID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to store snapshot of doc %s: %w", snap.DocID, err)
	}
	return nil
}
