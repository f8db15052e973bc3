package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	mongox "github.com/dmitrymomot/saasbilling/pkg/mongo"
	billing "github.com/dmitrymomot/saasbilling/pkg/subscription"
)

const (
	subscriptionsCollection = "subscriptions"

	indexExternalID = "external_id_unique"
	indexUserActive = "user_active_unique"
	indexOverdue    = "status_end_date"
	indexUserLive   = "user_created_at"

	// guardRetries bounds the re-read loop when a guarded update misses
	// because a concurrent writer changed the record in between.
	guardRetries = 3
)

type subscriptionDoc struct {
	ID            string            `bson:"_id"`
	UserID        string            `bson:"user_id"`
	Tier          string            `bson:"tier"`
	Status        string            `bson:"status"`
	StartDate     time.Time         `bson:"start_date"`
	EndDate       time.Time         `bson:"end_date"`
	AutoRenew     bool              `bson:"auto_renew"`
	CanceledAt    *time.Time        `bson:"canceled_at,omitempty"`
	ExternalID    string            `bson:"external_id,omitempty"`
	PriceAmount   int64             `bson:"price_amount"`
	PriceCurrency string            `bson:"price_currency"`
	Features      []string          `bson:"features"`
	Metadata      map[string]string `bson:"metadata,omitempty"`
	LastEventAt   *time.Time        `bson:"last_event_at,omitempty"`
	CreatedAt     time.Time         `bson:"created_at"`
	UpdatedAt     time.Time         `bson:"updated_at"`
}

func (d subscriptionDoc) toDomain() *billing.Subscription {
	s := &billing.Subscription{
		ID:         d.ID,
		UserID:     d.UserID,
		Tier:       billing.Tier(d.Tier),
		Status:     billing.Status(d.Status),
		StartDate:  d.StartDate.UTC(),
		EndDate:    d.EndDate.UTC(),
		AutoRenew:  d.AutoRenew,
		ExternalID: d.ExternalID,
		Price:      billing.Money{Amount: d.PriceAmount, Currency: d.PriceCurrency},
		Features:   d.Features,
		Metadata:   d.Metadata,
		CreatedAt:  d.CreatedAt.UTC(),
		UpdatedAt:  d.UpdatedAt.UTC(),
	}
	if d.CanceledAt != nil {
		t := d.CanceledAt.UTC()
		s.CanceledAt = &t
	}
	if d.LastEventAt != nil {
		t := d.LastEventAt.UTC()
		s.LastEventAt = &t
	}
	return s
}

// MongoStore is a SubscriptionStore backed by a MongoDB collection.
// Guarded updates run as a single FindOneAndUpdate with the guards in the
// filter; uniqueness of external IDs and of the active record per user is
// enforced by partial unique indexes created in EnsureIndexes.
type MongoStore struct {
	coll  *mongo.Collection
	users billing.UserDirectory
	now   func() time.Time
}

// MongoStoreOption configures a MongoStore.
type MongoStoreOption func(*MongoStore)

// WithMongoUsers makes Create reject unknown user IDs with ErrInvalidReference.
// MongoDB has no foreign keys, so the check is a read before insert.
func WithMongoUsers(users billing.UserDirectory) MongoStoreOption {
	return func(s *MongoStore) {
		s.users = users
	}
}

// WithMongoClock overrides the time source.
func WithMongoClock(now func() time.Time) MongoStoreOption {
	return func(s *MongoStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMongoStore returns a store over the subscriptions collection of db.
func NewMongoStore(db *mongo.Database, opts ...MongoStoreOption) *MongoStore {
	if db == nil {
		panic("subscription: mongo database is required")
	}
	s := &MongoStore{
		coll: db.Collection(subscriptionsCollection),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureIndexes creates the indexes the store relies on. Safe to call on
// every start.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "external_id", Value: 1}},
			Options: options.Index().
				SetName(indexExternalID).
				SetUnique(true).
				SetPartialFilterExpression(bson.D{{Key: "external_id", Value: bson.D{{Key: "$type", Value: "string"}}}}),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().
				SetName(indexUserActive).
				SetUnique(true).
				SetPartialFilterExpression(bson.D{{Key: "status", Value: string(billing.StatusActive)}}),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "end_date", Value: 1}},
			Options: options.Index().SetName(indexOverdue),
		},
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName(indexUserLive),
		},
	}
	if _, err := s.coll.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("create subscription indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Create(ctx context.Context, params billing.CreateParams) (*billing.Subscription, error) {
	if s.users != nil {
		if _, err := s.users.FindByID(ctx, params.UserID); err != nil {
			if errors.Is(err, billing.ErrUserNotFound) {
				return nil, billing.ErrInvalidReference
			}
			return nil, err
		}
	}

	now := s.now().UTC()
	doc := subscriptionDoc{
		ID:            uuid.NewString(),
		UserID:        params.UserID,
		Tier:          string(params.Tier),
		Status:        string(params.Status),
		StartDate:     params.StartDate.UTC(),
		EndDate:       params.EndDate.UTC(),
		AutoRenew:     params.AutoRenew && params.CanceledAt == nil,
		CanceledAt:    utcPtr(params.CanceledAt),
		ExternalID:    params.ExternalID,
		PriceAmount:   params.Price.Amount,
		PriceCurrency: params.Price.Currency,
		Features:      params.Features,
		Metadata:      params.Metadata,
		LastEventAt:   utcPtr(params.LastEventAt),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if doc.Features == nil {
		doc.Features = []string{}
	}

	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return nil, mapMongoWriteError(err)
	}
	return doc.toDomain(), nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*billing.Subscription, error) {
	return s.findOne(ctx, bson.D{{Key: "_id", Value: id}})
}

func (s *MongoStore) GetByExternalID(ctx context.Context, externalID string) (*billing.Subscription, error) {
	if externalID == "" {
		return nil, billing.ErrSubscriptionNotFound
	}
	return s.findOne(ctx, bson.D{{Key: "external_id", Value: externalID}})
}

func (s *MongoStore) GetActiveForUser(ctx context.Context, userID string) (*billing.Subscription, error) {
	return s.findOne(ctx, bson.D{
		{Key: "user_id", Value: userID},
		{Key: "status", Value: string(billing.StatusActive)},
		{Key: "end_date", Value: bson.D{{Key: "$gte", Value: s.now().UTC()}}},
	})
}

func (s *MongoStore) GetLiveForUser(ctx context.Context, userID string) (*billing.Subscription, error) {
	var doc subscriptionDoc
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if err := s.coll.FindOne(ctx, liveFilter(userID), opts).Decode(&doc); err != nil {
		if mongox.IsNotFoundError(err) {
			return nil, billing.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("find live subscription: %w", err)
	}
	return doc.toDomain(), nil
}

func (s *MongoStore) Update(ctx context.Context, id string, patch billing.Patch) (*billing.Subscription, error) {
	filter := updateFilter(id, patch)
	pipeline := updatePipeline(patch, s.now().UTC())

	for range guardRetries {
		sub, err := s.findOneAndUpdate(ctx, filter, pipeline)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, billing.ErrSubscriptionNotFound) {
			return nil, err
		}

		// The guarded filter missed: find out whether the record is gone or
		// a guard rejected the patch.
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := patch.CheckGuards(current); err != nil {
			return nil, err
		}
	}
	return nil, billing.ErrStaleEvent
}

func (s *MongoStore) MarkCanceled(ctx context.Context, id string, at time.Time) (*billing.Subscription, error) {
	filter := bson.D{
		{Key: "_id", Value: id},
		{Key: "status", Value: bson.D{{Key: "$ne", Value: string(billing.StatusExpired)}}},
	}
	status := billing.StatusCanceled
	renew := false
	pipeline := updatePipeline(billing.Patch{
		Status:     &status,
		AutoRenew:  &renew,
		CanceledAt: &at,
	}, s.now().UTC())

	sub, err := s.findOneAndUpdate(ctx, filter, pipeline)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, billing.ErrSubscriptionNotFound) {
		return nil, err
	}
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return nil, billing.ErrInvalidTransition
}

func (s *MongoStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*billing.Subscription, error) {
	opts := options.Find().SetSort(bson.D{{Key: "end_date", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := s.coll.Find(ctx, expiredFilter(now), opts)
	if err != nil {
		return nil, fmt.Errorf("list expired subscriptions: %w", err)
	}
	var docs []subscriptionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode expired subscriptions: %w", err)
	}

	out := make([]*billing.Subscription, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toDomain())
	}
	return out, nil
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.D) (*billing.Subscription, error) {
	var doc subscriptionDoc
	if err := s.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if mongox.IsNotFoundError(err) {
			return nil, billing.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("find subscription: %w", err)
	}
	return doc.toDomain(), nil
}

func (s *MongoStore) findOneAndUpdate(ctx context.Context, filter bson.D, pipeline bson.A) (*billing.Subscription, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc subscriptionDoc
	if err := s.coll.FindOneAndUpdate(ctx, filter, pipeline, opts).Decode(&doc); err != nil {
		if mongox.IsNotFoundError(err) {
			return nil, billing.ErrSubscriptionNotFound
		}
		return nil, mapMongoWriteError(err)
	}
	return doc.toDomain(), nil
}

// updateFilter matches the record only when the patch guards hold.
func updateFilter(id string, patch billing.Patch) bson.D {
	filter := bson.D{{Key: "_id", Value: id}}
	var guards bson.A

	if patch.Status != nil {
		guards = append(guards, bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: "status", Value: bson.D{{Key: "$nin", Value: terminalStatuses()}}}},
			bson.D{{Key: "status", Value: string(*patch.Status)}},
		}}})
	}
	if patch.EventAt != nil {
		guards = append(guards, bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: "last_event_at", Value: nil}},
			bson.D{{Key: "last_event_at", Value: bson.D{{Key: "$lte", Value: patch.EventAt.UTC()}}}},
		}}})
	}
	if len(guards) > 0 {
		filter = append(filter, bson.E{Key: "$and", Value: guards})
	}
	return filter
}

// updatePipeline renders the patch as an aggregation pipeline so canceled_at
// stays set-once and auto_renew is forced off once canceled_at exists, both
// in the same write. Values go through $literal so strings starting with "$"
// are never read as field paths.
func updatePipeline(patch billing.Patch, now time.Time) bson.A {
	set := bson.D{}
	add := func(key string, v any) {
		set = append(set, bson.E{Key: key, Value: bson.D{{Key: "$literal", Value: v}}})
	}

	if patch.Tier != nil {
		add("tier", string(*patch.Tier))
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.StartDate != nil {
		add("start_date", patch.StartDate.UTC())
	}
	if patch.EndDate != nil {
		add("end_date", patch.EndDate.UTC())
	}
	if patch.AutoRenew != nil {
		add("auto_renew", *patch.AutoRenew)
	}
	if patch.CanceledAt != nil {
		set = append(set, bson.E{Key: "canceled_at", Value: bson.D{{Key: "$ifNull", Value: bson.A{
			"$canceled_at",
			bson.D{{Key: "$literal", Value: patch.CanceledAt.UTC()}},
		}}}})
	}
	if patch.Price != nil {
		add("price_amount", patch.Price.Amount)
		add("price_currency", patch.Price.Currency)
	}
	if patch.Features != nil {
		add("features", patch.Features)
	}
	if patch.Metadata != nil {
		add("metadata", patch.Metadata)
	}
	if patch.EventAt != nil {
		add("last_event_at", patch.EventAt.UTC())
	}
	add("updated_at", now)

	renew := bson.D{{Key: "$set", Value: bson.D{{Key: "auto_renew", Value: bson.D{{Key: "$cond", Value: bson.A{
		bson.D{{Key: "$eq", Value: bson.A{bson.D{{Key: "$ifNull", Value: bson.A{"$canceled_at", nil}}}, nil}}},
		"$auto_renew",
		false,
	}}}}}}}

	return bson.A{bson.D{{Key: "$set", Value: set}}, renew}
}

// expiredFilter selects non-terminal records past their end date, except
// those a provider is still expected to renew.
func expiredFilter(now time.Time) bson.D {
	return bson.D{
		{Key: "status", Value: bson.D{{Key: "$nin", Value: terminalStatuses()}}},
		{Key: "end_date", Value: bson.D{{Key: "$lt", Value: now.UTC()}}},
		{Key: "$nor", Value: bson.A{bson.D{
			{Key: "auto_renew", Value: true},
			{Key: "external_id", Value: bson.D{{Key: "$type", Value: "string"}}},
		}}},
	}
}

// liveFilter selects the user's provider-backed records that are not terminal.
func liveFilter(userID string) bson.D {
	return bson.D{
		{Key: "user_id", Value: userID},
		{Key: "status", Value: bson.D{{Key: "$nin", Value: terminalStatuses()}}},
		{Key: "external_id", Value: bson.D{{Key: "$type", Value: "string"}}},
	}
}

func terminalStatuses() bson.A {
	out := make(bson.A, 0, len(billing.TerminalStatuses))
	for _, st := range billing.TerminalStatuses {
		out = append(out, string(st))
	}
	return out
}

// mapMongoWriteError translates unique index violations by index name.
func mapMongoWriteError(err error) error {
	if !mongox.IsDuplicateKeyError(err) {
		return fmt.Errorf("write subscription: %w", err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, indexExternalID):
		return billing.ErrDuplicateExternalID
	case strings.Contains(msg, indexUserActive):
		return billing.ErrActiveSubscriptionExists
	default:
		return fmt.Errorf("write subscription: %w", err)
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
