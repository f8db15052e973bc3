package subscription

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	mongox "github.com/dmitrymomot/saasbilling/pkg/mongo"
	billing "github.com/dmitrymomot/saasbilling/pkg/subscription"
)

const usersCollection = "users"

type userDoc struct {
	ID               string `bson:"_id"`
	Email            string `bson:"email"`
	SubscriptionTier string `bson:"subscription_tier"`
}

// MongoUsers is a UserDirectory over the users collection.
type MongoUsers struct {
	coll *mongo.Collection
}

func NewMongoUsers(db *mongo.Database) *MongoUsers {
	if db == nil {
		panic("subscription: mongo database is required")
	}
	return &MongoUsers{coll: db.Collection(usersCollection)}
}

func (u *MongoUsers) FindByID(ctx context.Context, userID string) (*billing.User, error) {
	var doc userDoc
	if err := u.coll.FindOne(ctx, bson.D{{Key: "_id", Value: userID}}).Decode(&doc); err != nil {
		if mongox.IsNotFoundError(err) {
			return nil, billing.ErrUserNotFound
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &billing.User{
		ID:               doc.ID,
		Email:            doc.Email,
		SubscriptionTier: billing.Tier(doc.SubscriptionTier),
	}, nil
}

func (u *MongoUsers) UpdateTier(ctx context.Context, userID string, tier billing.Tier) error {
	res, err := u.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: userID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "subscription_tier", Value: string(tier)}}}},
	)
	if err != nil {
		return fmt.Errorf("update user tier: %w", err)
	}
	if res.MatchedCount == 0 {
		return billing.ErrUserNotFound
	}
	return nil
}
