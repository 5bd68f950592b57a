package repository

import (
	"context"
	"fmt"
	"time"

	"chat_relay/internal/domain"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const messagesCollection = "messages"

type messageDoc struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	Content     string             `bson:"content"`
	Delivered   bool               `bson:"delivered"`
	RecipientID string             `bson:"recipient_id"`
	SenderID    string             `bson:"sender_id"`
	Timestamp   time.Time          `bson:"timestamp"`
	LastUpdated time.Time          `bson:"last_updated"`
}

func (d messageDoc) toDomain() (domain.Message, error) {
	recipient, err := uuid.Parse(d.RecipientID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("bad recipient_id on %s: %w", d.ID.Hex(), err)
	}
	sender, err := uuid.Parse(d.SenderID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("bad sender_id on %s: %w", d.ID.Hex(), err)
	}
	return domain.Message{
		ID:          d.ID.Hex(),
		Content:     d.Content,
		Delivered:   d.Delivered,
		RecipientID: recipient,
		SenderID:    sender,
		CreatedAt:   d.Timestamp,
		LastUpdated: d.LastUpdated,
	}, nil
}

// MongoStore keeps messages as documents, one per message.
type MongoStore struct {
	coll *mongo.Collection
}

func NewMongoStore(client *mongo.Client, database string) *MongoStore {
	return &MongoStore{coll: client.Database(database).Collection(messagesCollection)}
}

func (r *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "recipient_id", Value: 1}, {Key: "delivered", Value: 1}}},
		{Keys: bson.D{{Key: "sender_id", Value: 1}, {Key: "timestamp", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create message indexes: %w", err)
	}
	return nil
}

func (r *MongoStore) Insert(ctx context.Context, msg *domain.Message) error {
	doc := messageDoc{
		Content:     msg.Content,
		Delivered:   msg.Delivered,
		RecipientID: msg.RecipientID.String(),
		SenderID:    msg.SenderID.String(),
		Timestamp:   msg.CreatedAt,
		LastUpdated: msg.LastUpdated,
	}

	res, err := r.coll.InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	msg.ID = oid.Hex()
	return nil
}

func (r *MongoStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("invalid message id %q: %w", id, ErrNotFound)
	}

	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": oid},
		bson.M{"$set": bson.M{"delivered": true, "last_updated": at}},
	)
	if err != nil {
		return fmt.Errorf("failed to mark message delivered: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MongoStore) Find(ctx context.Context, filter Filter) ([]domain.Message, error) {
	query := bson.M{}
	if filter.RecipientID != uuid.Nil {
		query["recipient_id"] = filter.RecipientID.String()
	}
	if filter.UndeliveredOnly {
		query["delivered"] = false
	}
	if filter.ParticipantID != uuid.Nil {
		id := filter.ParticipantID.String()
		query["$or"] = bson.A{bson.M{"sender_id": id}, bson.M{"recipient_id": id}}
	}

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := r.coll.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	defer cursor.Close(ctx)

	var messages []domain.Message
	for cursor.Next(ctx) {
		var doc messageDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}
		msg, err := doc.toDomain()
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}
