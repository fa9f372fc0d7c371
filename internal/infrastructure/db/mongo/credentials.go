package mongo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/practicehub/syncstore/internal/core/domain"
	"github.com/practicehub/syncstore/internal/core/ports"
)

const credentialsCollection = "auth_credentials"

// CredentialRepository stores login secrets next to the identities
// collection the gateway serves.
type CredentialRepository struct {
	creds      *mongo.Collection
	identities *mongo.Collection
}

var _ ports.CredentialRepository = (*CredentialRepository)(nil)

func NewCredentialRepository(db *mongo.Database) *CredentialRepository {
	return &CredentialRepository{
		creds:      db.Collection(credentialsCollection),
		identities: db.Collection(collections[domain.KindIdentity]),
	}
}

type mongoCredential struct {
	ID           primitive.ObjectID `bson:"_id,omitempty"`
	IdentityID   string             `bson:"identity_id"`
	Email        string             `bson:"email"`
	PasswordHash string             `bson:"password_hash"`
	CreatedAt    int64              `bson:"created_at"`
}

// Create stores the credential, then the identity. The unique email index
// turns a duplicate sign-up into ErrUserExists.
func (r *CredentialRepository) Create(ctx context.Context, cred *ports.Credential, identity *domain.Identity) (*domain.Identity, error) {
	doc := mongoCredential{
		IdentityID:   identity.ID,
		Email:        strings.ToLower(cred.Email),
		PasswordHash: cred.PasswordHash,
		CreatedAt:    identity.CreatedAt.Unix(),
	}
	res, err := r.creds.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, domain.ErrUserExists
		}
		return nil, fmt.Errorf("insert credential: %w", err)
	}

	if _, err := r.identities.InsertOne(ctx, identity); err != nil {
		_, _ = r.creds.DeleteOne(context.WithoutCancel(ctx), bson.M{"_id": res.InsertedID})
		return nil, mapErr("insert identity", err)
	}

	return r.FindIdentity(ctx, identity.ID)
}

func (r *CredentialRepository) FindByEmail(ctx context.Context, email string) (*ports.Credential, error) {
	var mc mongoCredential
	if err := r.creds.FindOne(ctx, bson.M{"email": strings.ToLower(email)}).Decode(&mc); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find credential: %w", err)
	}
	return &ports.Credential{IdentityID: mc.IdentityID, Email: mc.Email, PasswordHash: mc.PasswordHash}, nil
}

func (r *CredentialRepository) FindIdentity(ctx context.Context, id string) (*domain.Identity, error) {
	var i domain.Identity
	if err := r.identities.FindOne(ctx, bson.M{"_id": id}).Decode(&i); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find identity: %w", err)
	}
	return &i, nil
}

// EnsureIndexes creates the unique email index.
func (r *CredentialRepository) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := r.creds.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}
