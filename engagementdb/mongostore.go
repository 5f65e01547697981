package engagementdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	mongoMessagesCollection = "messages"
	mongoHistoryCollection  = "message_history"
)

// MongoStore keeps messages in a MongoDB database. Transactions require a
// replica set deployment.
type MongoStore struct {
	client   *mongo.Client
	messages *mongo.Collection
	history  *mongo.Collection
	log      *zap.Logger
	defaults HistoryDefaults

	mu    sync.Mutex
	clock stampClock
}

type mongoMessage struct {
	MessageID        string    `bson:"_id"`
	OriginID         string    `bson:"origin_id"`
	OriginType       string    `bson:"origin_type"`
	ParticipantUUID  string    `bson:"participant_uuid"`
	Text             string    `bson:"text"`
	Timestamp        time.Time `bson:"timestamp"`
	Direction        string    `bson:"direction"`
	ChannelOperator  string    `bson:"channel_operator"`
	Dataset          string    `bson:"dataset"`
	PreviousDatasets []string  `bson:"previous_datasets"`
	Status           string    `bson:"status"`
	Labels           []Label   `bson:"labels"`
	CodaID           string    `bson:"coda_id,omitempty"`
	LastUpdated      int64     `bson:"last_updated"`
}

type mongoHistory struct {
	ID        string             `bson:"_id"`
	MessageID string             `bson:"message_id"`
	Origin    HistoryEntryOrigin `bson:"origin"`
	Updated   mongoMessage       `bson:"updated_doc"`
	Timestamp time.Time          `bson:"timestamp"`
}

func toMongo(m *Message) mongoMessage {
	prev := m.PreviousDatasets
	if prev == nil {
		prev = []string{}
	}
	labels := m.Labels
	if labels == nil {
		labels = []Label{}
	}
	return mongoMessage{
		MessageID:        m.MessageID,
		OriginID:         m.Origin.OriginID,
		OriginType:       m.Origin.OriginType,
		ParticipantUUID:  m.ParticipantUUID,
		Text:             m.Text,
		Timestamp:        m.Timestamp.UTC(),
		Direction:        string(m.Direction),
		ChannelOperator:  m.ChannelOperator,
		Dataset:          m.Dataset,
		PreviousDatasets: prev,
		Status:           string(m.Status),
		Labels:           labels,
		CodaID:           m.CodaID,
		LastUpdated:      m.LastUpdated.UnixMicro(),
	}
}

func (d mongoMessage) message() *Message {
	return &Message{
		MessageID:        d.MessageID,
		Origin:           Origin{OriginID: d.OriginID, OriginType: d.OriginType},
		ParticipantUUID:  d.ParticipantUUID,
		Text:             d.Text,
		Timestamp:        d.Timestamp.UTC(),
		Direction:        MessageDirection(d.Direction),
		ChannelOperator:  d.ChannelOperator,
		Dataset:          d.Dataset,
		PreviousDatasets: d.PreviousDatasets,
		Status:           MessageStatus(d.Status),
		Labels:           d.Labels,
		CodaID:           d.CodaID,
		LastUpdated:      time.UnixMicro(d.LastUpdated).UTC(),
	}
}

func OpenMongoStore(ctx context.Context, uri string, database string, log *zap.Logger) (*MongoStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if database == "" {
		database = "engagement_db"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	db := client.Database(database)
	s := &MongoStore{
		client:   client,
		messages: db.Collection(mongoMessagesCollection),
		history:  db.Collection(mongoHistoryCollection),
		log:      log,
	}

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "dataset", Value: 1}, {Key: "last_updated", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "origin_id", Value: 1}}},
		{Keys: bson.D{{Key: "coda_id", Value: 1}}},
		{Keys: bson.D{{Key: "previous_datasets", Value: 1}, {Key: "last_updated", Value: 1}}},
	}
	if _, err := s.messages.Indexes().CreateMany(ctx, indexes); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("create indexes: %w", err)
	}
	if _, err := s.history.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "message_id", Value: 1}}}); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("create history index: %w", err)
	}

	var latest mongoMessage
	err = s.messages.FindOne(ctx, bson.M{}, options.FindOne().SetSort(bson.D{{Key: "last_updated", Value: -1}})).Decode(&latest)
	switch {
	case err == nil:
		s.clock.observe(latest.LastUpdated)
	case errors.Is(err, mongo.ErrNoDocuments):
	default:
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) SetHistoryDefaults(d HistoryDefaults) {
	s.defaults = d
}

func (s *MongoStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.client.Disconnect(ctx)
	s.client = nil
	return err
}

func (s *MongoStore) GetMessages(ctx context.Context, q Query) ([]*Message, error) {
	docs, err := s.find(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]*Message, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.message())
	}
	return out, nil
}

func (s *MongoStore) SetMessage(ctx context.Context, m *Message, origin HistoryEntryOrigin) error {
	return s.write(ctx, m, origin, nil)
}

func (s *MongoStore) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	return retryOnConflict(ctx, s.log, func() error {
		sess, err := s.client.StartSession()
		if err != nil {
			return err
		}
		defer sess.EndSession(ctx)
		_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
			return nil, fn(&mongoTx{store: s, sc: sc, reads: map[string]int64{}})
		})
		return err
	})
}

func (s *MongoStore) GetHistory(ctx context.Context, messageID string) ([]HistoryEntry, error) {
	cur, err := s.history.Find(ctx, bson.M{"message_id": messageID}, options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []mongoHistory
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(docs))
	for _, d := range docs {
		out = append(out, HistoryEntry{
			HistoryEntryID: d.ID,
			MessageID:      d.MessageID,
			Origin:         d.Origin,
			Updated:        *d.Updated.message(),
			Timestamp:      d.Timestamp.UTC(),
		})
	}
	return out, nil
}

type mongoTx struct {
	store *MongoStore
	sc    mongo.SessionContext
	reads map[string]int64
}

// The session context carries the transaction, so the ctx arguments are only
// consulted through it.
func (t *mongoTx) GetMessages(_ context.Context, q Query) ([]*Message, error) {
	docs, err := t.store.find(t.sc, q)
	if err != nil {
		return nil, err
	}
	out := make([]*Message, 0, len(docs))
	for _, d := range docs {
		t.reads[d.MessageID] = d.LastUpdated
		out = append(out, d.message())
	}
	return out, nil
}

func (t *mongoTx) SetMessage(_ context.Context, m *Message, origin HistoryEntryOrigin) error {
	var expected *int64
	if v, ok := t.reads[m.MessageID]; ok && m.MessageID != "" {
		expected = &v
	}
	if err := t.store.write(t.sc, m, origin, expected); err != nil {
		return err
	}
	t.reads[m.MessageID] = m.LastUpdated.UnixMicro()
	return nil
}

func (s *MongoStore) find(ctx context.Context, q Query) ([]mongoMessage, error) {
	var conds []bson.M
	if q.Dataset != "" {
		conds = append(conds, bson.M{"dataset": q.Dataset})
	}
	if len(q.Datasets) > 0 {
		conds = append(conds, bson.M{"dataset": bson.M{"$in": q.Datasets}})
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, 0, len(q.Statuses))
		for _, st := range q.Statuses {
			statuses = append(statuses, string(st))
		}
		conds = append(conds, bson.M{"status": bson.M{"$in": statuses}})
	}
	if q.CodaID != "" {
		conds = append(conds, bson.M{"coda_id": q.CodaID})
	}
	if q.OriginID != "" {
		conds = append(conds, bson.M{"origin_id": q.OriginID})
	}
	if q.ParticipantUUID != "" {
		conds = append(conds, bson.M{"participant_uuid": q.ParticipantUUID})
	}
	if q.PreviousDatasetsContains != "" {
		conds = append(conds, bson.M{"previous_datasets": q.PreviousDatasetsContains})
	}
	if !q.LastUpdatedAfter.IsZero() {
		conds = append(conds, bson.M{"last_updated": bson.M{"$gt": q.LastUpdatedAfter.UnixMicro()}})
	}
	if !q.LastUpdatedBefore.IsZero() {
		conds = append(conds, bson.M{"last_updated": bson.M{"$lt": q.LastUpdatedBefore.UnixMicro()}})
	}
	if q.StartAfter != nil {
		lu := q.StartAfter.LastUpdated.UnixMicro()
		conds = append(conds, bson.M{"$or": bson.A{
			bson.M{"last_updated": bson.M{"$gt": lu}},
			bson.M{"last_updated": lu, "_id": bson.M{"$gt": q.StartAfter.MessageID}},
		}})
	}
	filter := bson.M{}
	if len(conds) > 0 {
		filter = bson.M{"$and": conds}
	}

	opts := options.Find()
	if q.OrderByLastUpdated || q.StartAfter != nil {
		opts.SetSort(bson.D{{Key: "last_updated", Value: 1}, {Key: "_id", Value: 1}})
	}
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query messages (%s): %w", q, err)
	}
	var docs []mongoMessage
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode messages (%s): %w", q, err)
	}
	return docs, nil
}

func (s *MongoStore) write(ctx context.Context, m *Message, origin HistoryEntryOrigin, expected *int64) error {
	if m.MessageID == "" {
		m.MessageID = uuid.NewString()
	}
	s.mu.Lock()
	stamp := s.clock.next()
	s.mu.Unlock()

	prevStamp := m.LastUpdated
	m.LastUpdated = time.UnixMicro(stamp).UTC()
	doc := toMongo(m)

	if expected != nil {
		res, err := s.messages.ReplaceOne(ctx, bson.M{"_id": m.MessageID, "last_updated": *expected}, doc)
		if err != nil {
			m.LastUpdated = prevStamp
			return err
		}
		if res.MatchedCount == 0 {
			m.LastUpdated = prevStamp
			return fmt.Errorf("message %s changed during transaction: %w", m.MessageID, ErrConflict)
		}
	} else {
		if _, err := s.messages.ReplaceOne(ctx, bson.M{"_id": m.MessageID}, doc, options.Replace().SetUpsert(true)); err != nil {
			m.LastUpdated = prevStamp
			return err
		}
	}

	h := mongoHistory{
		ID:        uuid.NewString(),
		MessageID: m.MessageID,
		Origin:    origin.withDefaults(s.defaults),
		Updated:   doc,
		Timestamp: m.LastUpdated,
	}
	_, err := s.history.InsertOne(ctx, h)
	return err
}
