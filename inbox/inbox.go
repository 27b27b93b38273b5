// Package inbox classifies inbound activities by type and applies them:
// Follow records an edge and answers with an Accept, Undo(Follow) removes
// the edge, Create conditionally stores the object. Everything else is
// refused.
package inbox

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"github.com/meanengineer/apserver/types"
)

var tracer = otel.Tracer("inbox")

// ErrUnsupported marks an activity type this server does not handle. It
// maps to 501, not 4xx: the gap is ours, not the sender's.
var ErrUnsupported = errors.New("unsupported activity type")

// ErrInvalid marks an activity that fails a validation or business rule.
// The request is rejected synchronously and never retried.
var ErrInvalid = errors.New("invalid activity")

// Store is the persistence surface the activity handler needs.
type Store interface {
	Follow(ctx context.Context, edge types.Follower) error
	Unfollow(ctx context.Context, ownerURL, actorURL string) error
	IsFollowing(ctx context.Context, followerURL, followeeURL string) (bool, error)
	SaveObject(ctx context.Context, obj types.InboxObject) error
}

// Accepter sends the Accept answering an inbound Follow.
type Accepter interface {
	AcceptFollow(ctx context.Context, user types.User, follow types.ApObject) error
}

type Service struct {
	store    Store
	accepter Accepter
	config   types.ApConfig
}

func NewService(store Store, accepter Accepter, config types.ApConfig) *Service {
	return &Service{
		store:    store,
		accepter: accepter,
		config:   config,
	}
}

// HandleActivity applies one verified, compacted inbound activity on
// behalf of the receiving local user.
func (s *Service) HandleActivity(ctx context.Context, user types.User, activity *types.RawApObj) error {
	ctx, span := tracer.Start(ctx, "InboxHandleActivity")
	defer span.End()

	switch activity.MustGetString("type") {
	case "Follow":
		return s.handleFollow(ctx, user, activity)
	case "Undo":
		return s.handleUndo(ctx, user, activity)
	case "Create":
		return s.handleCreate(ctx, user, activity)
	default:
		return errors.Wrapf(ErrUnsupported, "type %q", activity.MustGetString("type"))
	}
}

// handleFollow records the follower edge and answers with an Accept. The
// edge is rolled back if the Accept cannot be enqueued, so a remote actor
// never observes a recorded follow without an attempted Accept.
func (s *Service) handleFollow(ctx context.Context, user types.User, activity *types.RawApObj) error {
	userURL := s.config.UserURL(user.Username)

	actor, ok := activity.GetString("actor")
	if !ok || actor == "" {
		return errors.Wrap(ErrInvalid, "follow without actor")
	}
	if object := activity.MustGetString("object"); object != userURL {
		return errors.Wrapf(ErrInvalid, "follow object %q is not this user", object)
	}

	edge := types.Follower{Owner: userURL, Actor: actor, CreatedAt: time.Now()}
	if err := s.store.Follow(ctx, edge); err != nil {
		return errors.Wrap(err, "recording follower")
	}

	follow := types.ApObject{
		ID:     activity.MustGetString("id"),
		Type:   "Follow",
		Actor:  actor,
		Object: userURL,
	}
	if err := s.accepter.AcceptFollow(ctx, user, follow); err != nil {
		if rollbackErr := s.store.Unfollow(ctx, userURL, actor); rollbackErr != nil {
			return errors.Wrapf(err, "rolling back follower also failed: %v", rollbackErr)
		}
		return errors.Wrap(err, "sending accept")
	}
	return nil
}

// handleUndo removes the follower edge recorded by an earlier Follow. The
// Undo's actor must be same-origin with the Follow's id so a third party
// cannot unfollow on someone else's behalf; an id-less Follow is exempt
// unless strict checking is configured.
func (s *Service) handleUndo(ctx context.Context, user types.User, activity *types.RawApObj) error {
	inner, ok := activity.GetRaw("object")
	if !ok {
		return errors.Wrap(ErrInvalid, "undo without object")
	}
	if innerType := inner.MustGetString("type"); innerType != "Follow" {
		return errors.Wrapf(ErrUnsupported, "undo of %q", innerType)
	}

	actor, ok := activity.GetString("actor")
	if !ok || actor == "" {
		return errors.Wrap(ErrInvalid, "undo without actor")
	}

	followID := inner.MustGetString("id")
	if followID == "" {
		if s.config.StrictUndoOrigin {
			return errors.Wrap(ErrInvalid, "undo of an id-less follow")
		}
	} else if !sameOrigin(actor, followID) {
		return errors.Wrapf(ErrInvalid, "undo actor %q does not own follow %q", actor, followID)
	}

	userURL := s.config.UserURL(user.Username)
	if err := s.store.Unfollow(ctx, userURL, actor); err != nil {
		return errors.Wrap(err, "removing follower")
	}
	return nil
}

// handleCreate stores the created object, but only from actors the user
// follows and only when the object mentions the user. Objects failing
// either check are dropped silently: filtering is a normal outcome, not
// an error.
func (s *Service) handleCreate(ctx context.Context, user types.User, activity *types.RawApObj) error {
	actor, ok := activity.GetString("actor")
	if !ok || actor == "" {
		return errors.Wrap(ErrInvalid, "create without actor")
	}

	object, ok := activity.GetRaw("object")
	if !ok {
		return errors.Wrap(ErrInvalid, "create without object")
	}
	objectID := object.MustGetString("id")
	if objectID == "" {
		return errors.Wrap(ErrInvalid, "created object has no id")
	}
	if !sameOrigin(actor, objectID) {
		return errors.Wrapf(ErrInvalid, "object %q is not same-origin with actor %q", objectID, actor)
	}

	userURL := s.config.UserURL(user.Username)

	following, err := s.store.IsFollowing(ctx, userURL, actor)
	if err != nil {
		return errors.Wrap(err, "checking follow state")
	}
	if !following || !mentions(object, userURL) {
		return nil
	}

	object.GetData()["attributedTo"] = actor

	payload, err := json.Marshal(object.GetData())
	if err != nil {
		return errors.Wrap(err, "serializing object")
	}

	return s.store.SaveObject(ctx, types.InboxObject{
		URL:       objectID,
		Owner:     user.Username,
		Actor:     actor,
		JSON:      string(payload),
		IsPublic:  IsPublic(object),
		CreatedAt: time.Now(),
	})
}

// mentions reports whether the object carries a Mention tag pointing at
// the given actor URL.
func mentions(object *types.RawApObj, actorURL string) bool {
	for _, tag := range object.GetRawList("tag") {
		if tag.MustGetString("type") == "Mention" && tag.MustGetString("href") == actorURL {
			return true
		}
	}
	return false
}

// publicMarkers are the spellings of the public collection that survive
// various compaction setups.
var publicMarkers = map[string]bool{
	"https://www.w3.org/ns/activitystreams#Public": true,
	"as:Public": true,
	"Public":    true,
}

// IsPublic reports whether the object addresses the public collection in
// to, cc, or audience.
func IsPublic(object *types.RawApObj) bool {
	for _, field := range []string{"to", "cc", "audience"} {
		for _, target := range object.GetStringList(field) {
			if publicMarkers[target] {
				return true
			}
		}
	}
	return false
}

func sameOrigin(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return false
	}
	return ua.Scheme == ub.Scheme && ua.Host == ub.Host && ua.Host != ""
}
