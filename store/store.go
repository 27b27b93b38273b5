package store

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"github.com/meanengineer/apserver/types"
)

var tracer = otel.Tracer("store")

// PageSize is the number of items per collection page.
const PageSize = 10

// Paginated is one page of a collection query.
type Paginated struct {
	TotalItems int
	Items      []string
	HasMore    bool
}

// Store is a repository for users, follower edges, inbox objects and
// outbox jobs.
type Store struct {
	db *gorm.DB
}

// NewStore returns a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// LoadUser returns a local user by username.
func (s *Store) LoadUser(ctx context.Context, username string) (types.User, error) {
	ctx, span := tracer.Start(ctx, "StoreLoadUser")
	defer span.End()

	var user types.User
	result := s.db.WithContext(ctx).Where("username = ?", username).First(&user)
	return user, result.Error
}

// SaveUser creates a local user.
func (s *Store) SaveUser(ctx context.Context, user types.User) error {
	ctx, span := tracer.Start(ctx, "StoreSaveUser")
	defer span.End()

	return s.db.WithContext(ctx).Create(&user).Error
}

// LoadAuthToken returns a bearer token by its salt.
func (s *Store) LoadAuthToken(ctx context.Context, salt []byte) (types.AuthToken, error) {
	ctx, span := tracer.Start(ctx, "StoreLoadAuthToken")
	defer span.End()

	var token types.AuthToken
	result := s.db.WithContext(ctx).Where("salt = ?", salt).First(&token)
	return token, result.Error
}

// SaveAuthToken creates a bearer token.
func (s *Store) SaveAuthToken(ctx context.Context, token types.AuthToken) error {
	ctx, span := tracer.Start(ctx, "StoreSaveAuthToken")
	defer span.End()

	return s.db.WithContext(ctx).Create(&token).Error
}

// Follow creates a follower edge.
func (s *Store) Follow(ctx context.Context, edge types.Follower) error {
	ctx, span := tracer.Start(ctx, "StoreFollow")
	defer span.End()

	return s.db.WithContext(ctx).Create(&edge).Error
}

// Unfollow removes a follower edge.
func (s *Store) Unfollow(ctx context.Context, owner, actor string) error {
	ctx, span := tracer.Start(ctx, "StoreUnfollow")
	defer span.End()

	return s.db.WithContext(ctx).
		Where("owner = ? AND actor = ?", owner, actor).
		Delete(&types.Follower{}).Error
}

// IsFollowing reports whether follower follows followee. The follower
// table stores (owner, actor) meaning "actor follows owner".
func (s *Store) IsFollowing(ctx context.Context, follower, followee string) (bool, error) {
	ctx, span := tracer.Start(ctx, "StoreIsFollowing")
	defer span.End()

	var count int64
	err := s.db.WithContext(ctx).Model(&types.Follower{}).
		Where("owner = ? AND actor = ?", followee, follower).
		Count(&count).Error
	return count > 0, err
}

// GetFollowers returns the actor URLs of everyone following owner.
func (s *Store) GetFollowers(ctx context.Context, ownerURL string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "StoreGetFollowers")
	defer span.End()

	var actors []string
	err := s.db.WithContext(ctx).Model(&types.Follower{}).
		Where("owner = ?", ownerURL).
		Order("created_at ASC").
		Pluck("actor", &actors).Error
	return actors, err
}

// GetPaginatedFollowers returns one page of owner's followers.
func (s *Store) GetPaginatedFollowers(ctx context.Context, ownerURL string, page *int) (Paginated, error) {
	ctx, span := tracer.Start(ctx, "StoreGetPaginatedFollowers")
	defer span.End()

	return s.paginate(ctx, s.db.Model(&types.Follower{}).Where("owner = ?", ownerURL), "actor", page)
}

// GetPaginatedFollowing returns one page of the users actorURL follows.
func (s *Store) GetPaginatedFollowing(ctx context.Context, actorURL string, page *int) (Paginated, error) {
	ctx, span := tracer.Start(ctx, "StoreGetPaginatedFollowing")
	defer span.End()

	return s.paginate(ctx, s.db.Model(&types.Follower{}).Where("actor = ?", actorURL), "owner", page)
}

// GetPaginatedInbox returns one page of objects received by a local user.
func (s *Store) GetPaginatedInbox(ctx context.Context, username string, page *int) (Paginated, error) {
	ctx, span := tracer.Start(ctx, "StoreGetPaginatedInbox")
	defer span.End()

	return s.paginate(ctx, s.db.Model(&types.InboxObject{}).Where("owner = ?", username), "url", page)
}

// GetPaginatedTimeline returns one page of objects a local user authored,
// i.e. stored objects whose actor is the user's own URL.
func (s *Store) GetPaginatedTimeline(ctx context.Context, username, userURL string, page *int) (Paginated, error) {
	ctx, span := tracer.Start(ctx, "StoreGetPaginatedTimeline")
	defer span.End()

	query := s.db.Model(&types.InboxObject{}).Where("owner = ? AND actor = ?", username, userURL)
	return s.paginate(ctx, query, "url", page)
}

func (s *Store) paginate(ctx context.Context, query *gorm.DB, column string, page *int) (Paginated, error) {
	query = query.WithContext(ctx).Session(&gorm.Session{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return Paginated{}, err
	}

	out := Paginated{TotalItems: int(total)}
	if page == nil {
		return out, nil
	}

	offset := *page * PageSize
	err := query.Order("created_at ASC").
		Offset(offset).Limit(PageSize).
		Pluck(column, &out.Items).Error
	if err != nil {
		return Paginated{}, err
	}

	out.HasMore = offset+len(out.Items) < out.TotalItems
	return out, nil
}

// SaveObject stores a received object. Objects are immutable once stored.
func (s *Store) SaveObject(ctx context.Context, object types.InboxObject) error {
	ctx, span := tracer.Start(ctx, "StoreSaveObject")
	defer span.End()

	return s.db.WithContext(ctx).Create(&object).Error
}

// LoadObject returns a stored object by its URL.
func (s *Store) LoadObject(ctx context.Context, url string) (types.InboxObject, error) {
	ctx, span := tracer.Start(ctx, "StoreLoadObject")
	defer span.End()

	var object types.InboxObject
	result := s.db.WithContext(ctx).Where("url = ?", url).First(&object)
	return object, result.Error
}

// SaveOutboxJob persists a delivery job.
func (s *Store) SaveOutboxJob(ctx context.Context, job types.OutboxJob) error {
	ctx, span := tracer.Start(ctx, "StoreSaveOutboxJob")
	defer span.End()

	return s.db.WithContext(ctx).Create(&job).Error
}

// GetOutboxJobs returns all persisted delivery jobs, oldest first.
func (s *Store) GetOutboxJobs(ctx context.Context) ([]types.OutboxJob, error) {
	ctx, span := tracer.Start(ctx, "StoreGetOutboxJobs")
	defer span.End()

	var jobs []types.OutboxJob
	err := s.db.WithContext(ctx).Order("created_at ASC").Find(&jobs).Error
	return jobs, err
}

// IncrementAndGetAttempts bumps a job's attempt counter in a single
// statement and returns the new value, so a crash mid-delivery never
// loses the increment. A missing job id returns gorm.ErrRecordNotFound
// rather than a zero counter.
func (s *Store) IncrementAndGetAttempts(ctx context.Context, jobID string) (int, error) {
	ctx, span := tracer.Start(ctx, "StoreIncrementAndGetAttempts")
	defer span.End()

	var attempts int
	result := s.db.WithContext(ctx).
		Raw("UPDATE outbox_jobs SET attempts = attempts + 1 WHERE id = ? RETURNING attempts", jobID).
		Scan(&attempts)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, gorm.ErrRecordNotFound
	}
	return attempts, nil
}

// DeleteOutboxJob removes a job on terminal success or exhausted retries.
func (s *Store) DeleteOutboxJob(ctx context.Context, jobID string) error {
	ctx, span := tracer.Start(ctx, "StoreDeleteOutboxJob")
	defer span.End()

	return s.db.WithContext(ctx).Where("id = ?", jobID).Delete(&types.OutboxJob{}).Error
}

// LoadKey parses a user's PEM private key. Both PKCS#1 and PKCS#8
// encodings are accepted.
func (s *Store) LoadKey(ctx context.Context, user types.User) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(user.PrivateKey))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block containing the key")
	}

	if priv, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return priv, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DER encoded private key: " + err.Error())
	}

	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}

	return priv, nil
}
