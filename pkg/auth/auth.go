// Copyright 2022-2026 CSC - IT Center for Science Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth authenticates requests with bearer tokens or basic
// credentials and resolves them to a principal.
//
// Tokens are stored as SHA-256 digests; the plaintext exists only in the
// creation response. Lookups go through a small TTL cache so hot tokens do
// not hit the database on every request.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v2"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/crypto/pbkdf2"

	"github.com/dpres/pifs/pkg/appctx"
	"github.com/dpres/pifs/pkg/config"
	"github.com/dpres/pifs/pkg/errtypes"
)

// Password hashing parameters. Changing them only affects newly created
// users; stored digests carry their own salt.
const (
	pbkdf2Iterations = 200000
	pbkdf2KeyLength  = 64
	saltLength       = 32
)

const tokenBytes = 32

// Token is a stored API token grant.
type Token struct {
	ID       string `bson:"_id" json:"identifier"`
	Name     string `bson:"name" json:"name"`
	Username string `bson:"username" json:"username"`
	// ProjectIDs are the projects the token grants access to. A nil slice
	// grants access to every project of the user.
	ProjectIDs []string   `bson:"projects" json:"projects"`
	Admin      bool       `bson:"admin" json:"admin"`
	TokenHash  string     `bson:"token_hash" json:"-"`
	Session    bool       `bson:"session" json:"session"`
	ExpiresAt  *time.Time `bson:"expires_at,omitempty" json:"expiration_date,omitempty"`
	CreatedAt  time.Time  `bson:"created_at" json:"-"`
}

// Expired reports whether the token is past its expiration date.
func (t *Token) Expired() bool {
	return t.ExpiresAt != nil && time.Now().After(*t.ExpiresAt)
}

func hashToken(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// TokenStore persists tokens and caches authentications.
type TokenStore struct {
	coll  *mongo.Collection
	cache *ttlcache.Cache
}

// NewTokenStore returns a token store with a lookup cache of the given TTL.
func NewTokenStore(db *mongo.Database, cacheTTL time.Duration) *TokenStore {
	cache := ttlcache.NewCache()
	_ = cache.SetTTL(cacheTTL)
	cache.SkipTTLExtensionOnHit(true)
	return &TokenStore{coll: db.Collection("tokens"), cache: cache}
}

// EnsureIndexes creates the unique index on the token digest.
func (s *TokenStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "token_hash", Value: 1}},
	})
	return errors.Wrap(err, "auth: error creating indexes")
}

// Create mints a new token and returns the plaintext exactly once.
func (s *TokenStore) Create(ctx context.Context, t Token) (string, *Token, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, errors.Wrap(err, "auth: error generating token")
	}
	plain := hex.EncodeToString(raw)

	t.ID = uuid.New().String()
	t.TokenHash = hashToken(plain)
	t.CreatedAt = time.Now().UTC()
	if _, err := s.coll.InsertOne(ctx, &t); err != nil {
		return "", nil, errors.Wrap(err, "auth: error inserting token")
	}
	return plain, &t, nil
}

// Authenticate resolves a plaintext token, consulting the cache first.
func (s *TokenStore) Authenticate(ctx context.Context, plain string) (*Token, error) {
	digest := hashToken(plain)

	if cached, err := s.cache.Get(digest); err == nil {
		t := cached.(*Token)
		if t.Expired() {
			return nil, errtypes.InvalidCredentials("token expired")
		}
		return t, nil
	}

	t := &Token{}
	err := s.coll.FindOne(ctx, bson.M{"token_hash": digest}).Decode(t)
	if err == mongo.ErrNoDocuments {
		return nil, errtypes.InvalidCredentials("unknown token")
	}
	if err != nil {
		return nil, errors.Wrap(err, "auth: error reading token")
	}
	if t.Expired() {
		return nil, errtypes.InvalidCredentials("token expired")
	}
	_ = s.cache.Set(digest, t)
	return t, nil
}

// List returns the tokens of one user.
func (s *TokenStore) List(ctx context.Context, username string) ([]*Token, error) {
	cur, err := s.coll.Find(ctx, bson.M{"username": username})
	if err != nil {
		return nil, errors.Wrap(err, "auth: error listing tokens")
	}
	var out []*Token
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "auth: error decoding tokens")
	}
	return out, nil
}

// Delete revokes one token.
func (s *TokenStore) Delete(ctx context.Context, id string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return errors.Wrap(err, "auth: error deleting token")
	}
	if res.DeletedCount == 0 {
		return errtypes.NotFound("Token not found")
	}
	s.cache.Purge()
	return nil
}

// CleanSessions drops expired session tokens and returns how many went.
func (s *TokenStore) CleanSessions(ctx context.Context) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{
		"session":    true,
		"expires_at": bson.M{"$lt": time.Now().UTC()},
	})
	if err != nil {
		return 0, errors.Wrap(err, "auth: error cleaning session tokens")
	}
	return res.DeletedCount, nil
}

// User is a stored user account with project grants.
type User struct {
	Username string   `bson:"_id" json:"username"`
	Salt     []byte   `bson:"salt" json:"-"`
	Digest   []byte   `bson:"digest" json:"-"`
	Projects []string `bson:"projects" json:"projects"`
}

func derive(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyLength, sha512.New)
}

// UserStore persists user accounts.
type UserStore struct {
	coll *mongo.Collection
}

// NewUserStore returns the user store.
func NewUserStore(db *mongo.Database) *UserStore {
	return &UserStore{coll: db.Collection("users")}
}

// Create stores a new user. The generated password is returned exactly once.
func (s *UserStore) Create(ctx context.Context, username string, projects []string) (string, *User, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, errors.Wrap(err, "auth: error generating password")
	}
	password := hex.EncodeToString(raw)

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", nil, errors.Wrap(err, "auth: error generating salt")
	}

	u := &User{
		Username: username,
		Salt:     salt,
		Digest:   derive(password, salt),
		Projects: projects,
	}
	if _, err := s.coll.InsertOne(ctx, u); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", nil, errtypes.Conflict{Message: "user '" + username + "' already exists"}
		}
		return "", nil, errors.Wrap(err, "auth: error inserting user")
	}
	return password, u, nil
}

// Get returns one user.
func (s *UserStore) Get(ctx context.Context, username string) (*User, error) {
	u := &User{}
	err := s.coll.FindOne(ctx, bson.M{"_id": username}).Decode(u)
	if err == mongo.ErrNoDocuments {
		return nil, errtypes.NotFound("User not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, "auth: error reading user")
	}
	return u, nil
}

// Delete removes one user.
func (s *UserStore) Delete(ctx context.Context, username string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": username})
	if err != nil {
		return errors.Wrap(err, "auth: error deleting user")
	}
	if res.DeletedCount == 0 {
		return errtypes.NotFound("User not found")
	}
	return nil
}

// SetProjects replaces the project grants of a user.
func (s *UserStore) SetProjects(ctx context.Context, username string, projects []string) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": username},
		bson.M{"$set": bson.M{"projects": projects}})
	if err != nil {
		return errors.Wrap(err, "auth: error updating user")
	}
	if res.MatchedCount == 0 {
		return errtypes.NotFound("User not found")
	}
	return nil
}

// Authenticate verifies basic credentials in constant time.
func (s *UserStore) Authenticate(ctx context.Context, username, password string) (*User, error) {
	u, err := s.Get(ctx, username)
	if err != nil {
		var nf errtypes.IsNotFound
		if errors.As(err, &nf) {
			return nil, errtypes.InvalidCredentials(username)
		}
		return nil, err
	}
	if !hmac.Equal(u.Digest, derive(password, u.Salt)) {
		return nil, errtypes.InvalidCredentials(username)
	}
	return u, nil
}

// Authenticator resolves request credentials into a principal.
type Authenticator struct {
	tokens     *TokenStore
	users      *UserStore
	adminToken string
}

// NewAuthenticator wires the authenticator.
func NewAuthenticator(cfg config.Auth, tokens *TokenStore, users *UserStore) *Authenticator {
	return &Authenticator{tokens: tokens, users: users, adminToken: cfg.AdminToken}
}

// AuthenticateBearer resolves a bearer token to a principal.
func (a *Authenticator) AuthenticateBearer(ctx context.Context, plain string) (*appctx.Principal, error) {
	if a.adminToken != "" && hmac.Equal([]byte(plain), []byte(a.adminToken)) {
		return &appctx.Principal{Username: "admin", Admin: true}, nil
	}
	t, err := a.tokens.Authenticate(ctx, plain)
	if err != nil {
		return nil, err
	}
	if t.Admin {
		return &appctx.Principal{Username: t.Username, Admin: true}, nil
	}
	projects := t.ProjectIDs
	if projects == nil {
		u, err := a.users.Get(ctx, t.Username)
		if err != nil {
			return nil, err
		}
		projects = u.Projects
	}
	if projects == nil {
		projects = []string{}
	}
	return &appctx.Principal{Username: t.Username, Projects: projects}, nil
}

// AuthenticateBasic resolves basic credentials to a principal.
func (a *Authenticator) AuthenticateBasic(ctx context.Context, username, password string) (*appctx.Principal, error) {
	u, err := a.users.Authenticate(ctx, username, password)
	if err != nil {
		return nil, err
	}
	projects := u.Projects
	if projects == nil {
		projects = []string{}
	}
	return &appctx.Principal{Username: u.Username, Projects: projects}, nil
}
