package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ashureev/spotter/internal/domain"
)

const (
	usersCollection         = "users"
	conversationsCollection = "conversations"
	messagesCollection      = "messages"
	defaultMongoDatabase    = "spotter"
)

// MongoStore implements Repository on MongoDB.
// Multi-document writes run in transactions, which require a replica set or sharded cluster.
type MongoStore struct {
	client        *mongo.Client
	users         *mongo.Collection
	conversations *mongo.Collection
	messages      *mongo.Collection
}

type userDoc struct {
	ID          string    `bson:"_id"`
	DisplayName string    `bson:"display_name"`
	AvatarURL   string    `bson:"avatar_url"`
	IsOnline    bool      `bson:"is_online"`
	LastSeenAt  time.Time `bson:"last_seen_at"`
	PresenceSeq int64     `bson:"presence_seq"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

type conversationDoc struct {
	ID            string    `bson:"_id"`
	UserLow       string    `bson:"user_low"`
	UserHigh      string    `bson:"user_high"`
	PairKey       string    `bson:"pair_key"`
	LastMessageID *string   `bson:"last_message_id"`
	IsActive      bool      `bson:"is_active"`
	CreatedAt     time.Time `bson:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

type messageDoc struct {
	ID             string     `bson:"_id"`
	ConversationID string     `bson:"conversation_id"`
	SenderID       string     `bson:"sender_id"`
	RecipientID    string     `bson:"recipient_id"`
	Content        string     `bson:"content"`
	Type           string     `bson:"type"`
	MediaURL       string     `bson:"media_url"`
	IsDelivered    bool       `bson:"is_delivered"`
	DeliveredAt    *time.Time `bson:"delivered_at"`
	IsRead         bool       `bson:"is_read"`
	ReadAt         *time.Time `bson:"read_at"`
	CreatedAt      time.Time  `bson:"created_at"`
}

// NewMongo connects to MongoDB and ensures the collection indexes.
func NewMongo(ctx context.Context, uri, database string) (Repository, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is required")
	}
	if database == "" {
		database = defaultMongoDatabase
	}

	opts := options.Client().ApplyURI(uri).SetMaxPoolSize(25)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:        client,
		users:         db.Collection(usersCollection),
		conversations: db.Collection(conversationsCollection),
		messages:      db.Collection(messagesCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("initialize indexes: %w", err)
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	if _, err := s.conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "pair_key", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "user_low", Value: 1}}},
		{Keys: bson.D{{Key: "user_high", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("conversation indexes: %w", err)
	}
	if _, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "recipient_id", Value: 1}, {Key: "is_read", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("message indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) withTransaction(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

// Ping verifies database connectivity.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *MongoStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	var doc userDoc
	err := s.users.FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &domain.User{
		UserID:      doc.ID,
		DisplayName: doc.DisplayName,
		AvatarURL:   doc.AvatarURL,
		IsOnline:    doc.IsOnline,
		LastSeenAt:  doc.LastSeenAt.UTC(),
		CreatedAt:   doc.CreatedAt.UTC(),
		UpdatedAt:   doc.UpdatedAt.UTC(),
	}, nil
}

// UpsertUser creates or updates a user record.
func (s *MongoStore) UpsertUser(ctx context.Context, user *domain.User) error {
	now := time.Now().UTC()
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	update := bson.M{
		"$set": bson.M{
			"display_name": user.DisplayName,
			"avatar_url":   user.AvatarURL,
			"updated_at":   now,
		},
		"$setOnInsert": bson.M{
			"is_online":    user.IsOnline,
			"last_seen_at": user.LastSeenAt,
			"presence_seq": int64(0),
			"created_at":   createdAt,
		},
	}
	_, err := s.users.UpdateOne(ctx, bson.M{"_id": user.UserID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdatePresence writes presence fields guarded by the presence sequence.
func (s *MongoStore) UpdatePresence(ctx context.Context, userID string, online bool, lastSeen time.Time, seq int64) (bool, error) {
	filter := bson.M{"_id": userID, "presence_seq": bson.M{"$lt": seq}}
	update := bson.M{"$set": bson.M{
		"is_online":    online,
		"last_seen_at": lastSeen,
		"presence_seq": seq,
		"updated_at":   time.Now().UTC(),
	}}
	res, err := s.users.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("update presence: %w", err)
	}
	return res.MatchedCount > 0, nil
}

// ListCounterparts returns every user sharing a conversation with userID.
func (s *MongoStore) ListCounterparts(ctx context.Context, userID string) ([]string, error) {
	filter := bson.M{"$or": bson.A{bson.M{"user_low": userID}, bson.M{"user_high": userID}}}
	opts := options.Find().SetProjection(bson.M{"user_low": 1, "user_high": 1})
	cur, err := s.conversations.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find counterparts: %w", err)
	}
	var docs []conversationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode counterparts: %w", err)
	}
	ids := lo.Map(docs, func(d conversationDoc, _ int) string {
		if d.UserLow == userID {
			return d.UserHigh
		}
		return d.UserLow
	})
	return lo.Uniq(ids), nil
}

// CreateConversation inserts a conversation; the pair key index is unique.
func (s *MongoStore) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	doc := conversationDoc{
		ID:        conv.ID,
		UserLow:   conv.Participants[0],
		UserHigh:  conv.Participants[1],
		PairKey:   conv.PairKey(),
		IsActive:  conv.IsActive,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
	}
	if conv.LastMessageID != "" {
		doc.LastMessageID = &conv.LastMessageID
	}
	if _, err := s.conversations.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("create conversation %s: %w", conv.PairKey(), domain.ErrStorageConflict)
		}
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (d *conversationDoc) toDomain() *domain.Conversation {
	return &domain.Conversation{
		ID:            d.ID,
		Participants:  [2]string{d.UserLow, d.UserHigh},
		LastMessageID: lo.FromPtr(d.LastMessageID),
		IsActive:      d.IsActive,
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
	}
}

func (s *MongoStore) findConversation(ctx context.Context, filter bson.M) (*domain.Conversation, error) {
	var doc conversationDoc
	err := s.conversations.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return doc.toDomain(), nil
}

// GetConversation retrieves a conversation by id.
func (s *MongoStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	return s.findConversation(ctx, bson.M{"_id": conversationID})
}

// FindConversationByPair retrieves a conversation by its pair key.
func (s *MongoStore) FindConversationByPair(ctx context.Context, pairKey string) (*domain.Conversation, error) {
	return s.findConversation(ctx, bson.M{"pair_key": pairKey})
}

// SetConversationActive flips the active flag of a conversation.
func (s *MongoStore) SetConversationActive(ctx context.Context, conversationID string, active bool, at time.Time) error {
	res, err := s.conversations.UpdateOne(ctx, bson.M{"_id": conversationID},
		bson.M{"$set": bson.M{"is_active": active, "updated_at": at}})
	if err != nil {
		return fmt.Errorf("set conversation active: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotFound)
	}
	return nil
}

// ListConversations returns the user's active conversations with last message and unread count.
func (s *MongoStore) ListConversations(ctx context.Context, userID string) ([]domain.ConversationListing, error) {
	filter := bson.M{
		"is_active": true,
		"$or":       bson.A{bson.M{"user_low": userID}, bson.M{"user_high": userID}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: -1}})
	cur, err := s.conversations.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find conversations: %w", err)
	}
	var docs []conversationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}

	out := make([]domain.ConversationListing, 0, len(docs))
	for i := range docs {
		conv := docs[i].toDomain()
		if conv.LastMessageID != "" {
			last, err := s.GetMessage(ctx, conv.LastMessageID)
			if err != nil {
				return nil, err
			}
			conv.LastMessage = last
		}
		unread, err := s.messages.CountDocuments(ctx, bson.M{
			"conversation_id": conv.ID,
			"recipient_id":    userID,
			"is_read":         false,
		})
		if err != nil {
			return nil, fmt.Errorf("count unread: %w", err)
		}
		out = append(out, domain.ConversationListing{Conversation: conv, UnreadCount: int(unread)})
	}
	return out, nil
}

func (d *messageDoc) toDomain() *domain.Message {
	msg := &domain.Message{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		RecipientID:    d.RecipientID,
		Content:        d.Content,
		Type:           domain.MessageType(d.Type),
		MediaURL:       d.MediaURL,
		IsDelivered:    d.IsDelivered,
		IsRead:         d.IsRead,
		CreatedAt:      d.CreatedAt.UTC(),
	}
	if d.DeliveredAt != nil {
		msg.DeliveredAt = lo.ToPtr(d.DeliveredAt.UTC())
	}
	if d.ReadAt != nil {
		msg.ReadAt = lo.ToPtr(d.ReadAt.UTC())
	}
	return msg
}

// InsertMessage stores the message and advances the conversation pointer in one transaction.
func (s *MongoStore) InsertMessage(ctx context.Context, msg *domain.Message) error {
	doc := messageDoc{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		RecipientID:    msg.RecipientID,
		Content:        msg.Content,
		Type:           string(msg.Type),
		MediaURL:       msg.MediaURL,
		IsDelivered:    msg.IsDelivered,
		DeliveredAt:    msg.DeliveredAt,
		IsRead:         msg.IsRead,
		ReadAt:         msg.ReadAt,
		CreatedAt:      msg.CreatedAt,
	}
	err := s.withTransaction(ctx, func(sc mongo.SessionContext) error {
		if _, err := s.messages.InsertOne(sc, doc); err != nil {
			return err
		}
		// A message committed after a newer one must not move the pointer backwards.
		res, err := s.conversations.UpdateOne(sc,
			bson.M{"_id": msg.ConversationID, "updated_at": bson.M{"$lte": msg.CreatedAt}},
			bson.M{"$set": bson.M{"last_message_id": msg.ID, "updated_at": msg.CreatedAt}})
		if err != nil {
			return err
		}
		if res.MatchedCount > 0 {
			return nil
		}
		n, err := s.conversations.CountDocuments(sc, bson.M{"_id": msg.ConversationID})
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("conversation %s: %w", msg.ConversationID, domain.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by id.
func (s *MongoStore) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	var doc messageDoc
	err := s.messages.FindOne(ctx, bson.M{"_id": messageID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find message: %w", err)
	}
	return doc.toDomain(), nil
}

var newestFirst = bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}

// DeleteMessage removes a message and recomputes the conversation pointer in one transaction.
func (s *MongoStore) DeleteMessage(ctx context.Context, messageID string) error {
	err := s.withTransaction(ctx, func(sc mongo.SessionContext) error {
		var doc messageDoc
		err := s.messages.FindOne(sc, bson.M{"_id": messageID}).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("message %s: %w", messageID, domain.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if _, err := s.messages.DeleteOne(sc, bson.M{"_id": messageID}); err != nil {
			return err
		}

		var pointer any
		var latest messageDoc
		err = s.messages.FindOne(sc, bson.M{"conversation_id": doc.ConversationID},
			options.FindOne().SetSort(newestFirst)).Decode(&latest)
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
		case err != nil:
			return err
		default:
			pointer = latest.ID
		}
		_, err = s.conversations.UpdateOne(sc, bson.M{"_id": doc.ConversationID},
			bson.M{"$set": bson.M{"last_message_id": pointer}})
		return err
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// ListMessages returns a newest-first page of a conversation's messages.
func (s *MongoStore) ListMessages(ctx context.Context, conversationID string, offset, limit int) ([]*domain.Message, error) {
	opts := options.Find().
		SetSort(newestFirst).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
	cur, err := s.messages.Find(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return lo.Map(docs, func(d messageDoc, _ int) *domain.Message { return d.toDomain() }), nil
}

// MarkRead marks the reader's unread messages in a conversation as read.
func (s *MongoStore) MarkRead(ctx context.Context, conversationID, readerID string, at time.Time) (int64, error) {
	res, err := s.messages.UpdateMany(ctx,
		bson.M{"conversation_id": conversationID, "recipient_id": readerID, "is_read": false},
		bson.M{"$set": bson.M{"is_read": true, "read_at": at}})
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return res.ModifiedCount, nil
}
