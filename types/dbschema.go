package types

import (
	"time"

	"github.com/lib/pq"
)

// User is a db model of a local account.
type User struct {
	Username           string         `json:"username" gorm:"primaryKey;type:text"`
	ProfileName        string         `json:"profileName" gorm:"type:text"`
	About              string         `json:"about" gorm:"type:text"`
	PasswordHash       []byte         `json:"-" gorm:"type:bytea"`
	PasswordSalt       []byte         `json:"-" gorm:"type:bytea"`
	PasswordIterations int            `json:"-" gorm:"type:integer"`
	PrivateKey         string         `json:"-" gorm:"type:text"`
	PublicKey          string         `json:"publicKey" gorm:"type:text"`
	AlsoKnownAs        pq.StringArray `json:"aliases" gorm:"type:text[]"`
	CreatedAt          time.Time      `json:"createdAt"`
}

// AuthToken is a db model of a bearer credential. The random salt doubles
// as the lookup key.
type AuthToken struct {
	Salt       []byte    `json:"-" gorm:"primaryKey;type:bytea"`
	Username   string    `json:"username" gorm:"type:text;index"`
	Title      string    `json:"title" gorm:"type:text"`
	Hash       []byte    `json:"-" gorm:"type:bytea"`
	Iterations int       `json:"-" gorm:"type:integer"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Follower is a db model of a follower edge: actor follows owner. Either
// side may be a local or remote actor URL.
type Follower struct {
	Owner     string    `json:"owner" gorm:"primaryKey;type:text"`
	Actor     string    `json:"actor" gorm:"primaryKey;type:text"`
	CreatedAt time.Time `json:"createdAt" gorm:"index:followers_by_owner"`
}

// InboxObject is a db model of a received ActivityPub object, keyed by its
// own URL. Immutable once stored.
type InboxObject struct {
	URL       string    `json:"url" gorm:"primaryKey;type:text"`
	Owner     string    `json:"owner" gorm:"type:text;index:inbox_by_owner"`
	Actor     string    `json:"actor" gorm:"type:text"`
	JSON      string    `json:"json" gorm:"type:text"`
	IsPublic  bool      `json:"isPublic" gorm:"type:bool"`
	CreatedAt time.Time `json:"createdAt" gorm:"index:inbox_by_owner"`
}

// OutboxJob is a db model of a pending delivery: one job per resolved
// destination inbox. Attempts is only ever incremented transactionally,
// so a crash mid-delivery cannot reset the counter.
type OutboxJob struct {
	ID        string    `json:"id" gorm:"primaryKey;type:text"`
	Actor     string    `json:"actor" gorm:"type:text"`
	InboxURL  string    `json:"inboxURL" gorm:"type:text"`
	Payload   string    `json:"payload" gorm:"type:text"`
	Attempts  int       `json:"attempts" gorm:"type:integer"`
	CreatedAt time.Time `json:"createdAt"`
}
