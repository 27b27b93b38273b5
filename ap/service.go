package ap

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/meanengineer/apserver/inbox"
	"github.com/meanengineer/apserver/outbox"
	"github.com/meanengineer/apserver/sigverify"
	"github.com/meanengineer/apserver/store"
	"github.com/meanengineer/apserver/types"
)

const activityStreamsURL = "https://www.w3.org/ns/activitystreams"

// activityTypes are the shapes an outbox POST may carry directly; anything
// else is treated as a bare object and wrapped into a Create.
var activityTypes = map[string]bool{
	"Create":   true,
	"Follow":   true,
	"Undo":     true,
	"Accept":   true,
	"Announce": true,
	"Like":     true,
	"Delete":   true,
}

// Store is the persistence surface the federation endpoints read and write.
type Store interface {
	LoadUser(ctx context.Context, username string) (types.User, error)
	LoadAuthToken(ctx context.Context, salt []byte) (types.AuthToken, error)
	Follow(ctx context.Context, edge types.Follower) error
	Unfollow(ctx context.Context, owner, actor string) error
	GetPaginatedFollowers(ctx context.Context, ownerURL string, page *int) (store.Paginated, error)
	GetPaginatedFollowing(ctx context.Context, actorURL string, page *int) (store.Paginated, error)
	GetPaginatedInbox(ctx context.Context, username string, page *int) (store.Paginated, error)
	GetPaginatedTimeline(ctx context.Context, username, userURL string, page *int) (store.Paginated, error)
	SaveObject(ctx context.Context, object types.InboxObject) error
	LoadObject(ctx context.Context, url string) (types.InboxObject, error)
}

type Service struct {
	store  Store
	inbox  *inbox.Service
	outbox *outbox.Outbox
	info   types.NodeInfo
	config types.ApConfig
}

func NewService(
	store Store,
	inbox *inbox.Service,
	outbox *outbox.Outbox,
	info types.NodeInfo,
	config types.ApConfig,
) *Service {
	return &Service{
		store,
		inbox,
		outbox,
		info,
		config,
	}
}

func (s *Service) WebFinger(ctx context.Context, resource string) (types.WebFinger, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.WebFinger")
	defer span.End()

	rt, id, found := strings.Cut(resource, ":")
	if !found {
		return types.WebFinger{}, errors.New("invalid resource")
	}
	if rt != "acct" {
		return types.WebFinger{}, errors.New("invalid resource type")
	}

	username, domain, found := strings.Cut(strings.TrimPrefix(id, "@"), "@")
	if !found {
		return types.WebFinger{}, errors.New("invalid resource")
	}
	if domain != s.config.FQDN {
		return types.WebFinger{}, errors.New("domain not found")
	}
	if _, err := s.store.LoadUser(ctx, username); err != nil {
		return types.WebFinger{}, err
	}

	userURL := s.config.UserURL(username)
	return types.WebFinger{
		Subject: "acct:" + username + "@" + s.config.FQDN,
		Aliases: []string{userURL},
		Links: []types.WebFingerLink{
			{
				Rel:  "self",
				Type: "application/activity+json",
				Href: userURL,
			},
		},
	}, nil
}

const hostMetaTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">
  <Link rel="lrdd" template="%s/.well-known/webfinger?resource={uri}"/>
</XRD>
`

func (s *Service) HostMeta(ctx context.Context) string {
	_, span := tracer.Start(ctx, "Ap.Service.HostMeta")
	defer span.End()
	return fmt.Sprintf(hostMetaTemplate, s.config.BaseURL())
}

func (s *Service) NodeInfo(ctx context.Context) (types.NodeInfo, error) {
	_, span := tracer.Start(ctx, "Ap.Service.NodeInfo")
	defer span.End()
	return s.info, nil
}

func (s *Service) NodeInfoWellKnown(ctx context.Context) (types.WellKnown, error) {
	_, span := tracer.Start(ctx, "Ap.Service.NodeInfoWellKnown")
	defer span.End()
	return types.WellKnown{
		Links: []types.WellKnownLink{
			{
				Rel:  "http://nodeinfo.diaspora.software/ns/schema/2.0",
				Href: s.config.BaseURL() + "/nodeinfo/2.0",
			},
		},
	}, nil
}

// Instance describes the server for clients speaking the common
// instance-info shape.
type Instance struct {
	URI              string `json:"uri"`
	Title            string `json:"title"`
	ShortDescription string `json:"short_description"`
	Description      string `json:"description"`
	Email            string `json:"email"`
	Version          string `json:"version"`
}

func (s *Service) Instance(ctx context.Context) Instance {
	_, span := tracer.Start(ctx, "Ap.Service.Instance")
	defer span.End()

	return Instance{
		URI:              s.config.FQDN,
		Title:            s.config.ServerTitle,
		ShortDescription: s.config.Description,
		Description:      s.config.Description,
		Email:            s.config.Email,
		Version:          s.info.Software.Version,
	}
}

// -

func (s *Service) User(ctx context.Context, username string) (types.ApObject, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.User")
	defer span.End()

	user, err := s.store.LoadUser(ctx, username)
	if err != nil {
		span.RecordError(err)
		return types.ApObject{}, err
	}

	userURL := s.config.UserURL(username)
	return types.ApObject{
		Context:           []string{activityStreamsURL, "https://w3id.org/security/v1"},
		Type:              "Person",
		ID:                userURL,
		Inbox:             userURL + "/inbox",
		Outbox:            userURL + "/outbox",
		Followers:         userURL + "/followers",
		Following:         userURL + "/following",
		PreferredUsername: username,
		Name:              user.ProfileName,
		Summary:           user.About,
		URL:               userURL,
		AlsoKnownAs:       user.AlsoKnownAs,
		PublicKey: &types.Key{
			ID:           userURL + "#main-key",
			Type:         "Key",
			Owner:        userURL,
			PublicKeyPem: user.PublicKey,
		},
	}, nil
}

type paginatedQuery func(ctx context.Context, url string, page *int) (store.Paginated, error)

// collection renders a paginated store query as either the page-less
// summary (page == nil) or one ordered page.
func (s *Service) collection(ctx context.Context, id, subject string, page *int, query paginatedQuery) (any, error) {
	result, err := query(ctx, subject, page)
	if err != nil {
		return nil, err
	}

	if page == nil {
		return types.OrderedCollection{
			Context:    activityStreamsURL,
			ID:         id,
			Type:       "OrderedCollection",
			TotalItems: result.TotalItems,
			First:      id + "?page=0",
		}, nil
	}

	out := types.OrderedCollectionPage{
		Context:      activityStreamsURL,
		ID:           fmt.Sprintf("%s?page=%d", id, *page),
		Type:         "OrderedCollectionPage",
		TotalItems:   result.TotalItems,
		PartOf:       id,
		OrderedItems: result.Items,
	}
	if out.OrderedItems == nil {
		out.OrderedItems = []string{}
	}
	if result.HasMore {
		out.Next = fmt.Sprintf("%s?page=%d", id, *page+1)
	}
	return out, nil
}

func (s *Service) Followers(ctx context.Context, username string, page *int) (any, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.Followers")
	defer span.End()

	if _, err := s.store.LoadUser(ctx, username); err != nil {
		return nil, err
	}
	userURL := s.config.UserURL(username)
	return s.collection(ctx, userURL+"/followers", userURL, page, s.store.GetPaginatedFollowers)
}

func (s *Service) Following(ctx context.Context, username string, page *int) (any, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.Following")
	defer span.End()

	if _, err := s.store.LoadUser(ctx, username); err != nil {
		return nil, err
	}
	userURL := s.config.UserURL(username)
	return s.collection(ctx, userURL+"/following", userURL, page, s.store.GetPaginatedFollowing)
}

func (s *Service) OutboxCollection(ctx context.Context, username string, page *int) (any, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.OutboxCollection")
	defer span.End()

	if _, err := s.store.LoadUser(ctx, username); err != nil {
		return nil, err
	}
	userURL := s.config.UserURL(username)
	return s.collection(ctx, userURL+"/outbox", username, page, func(ctx context.Context, owner string, page *int) (store.Paginated, error) {
		return s.store.GetPaginatedTimeline(ctx, owner, userURL, page)
	})
}

// InboxCollection is the owner-only read view of received objects.
func (s *Service) InboxCollection(ctx context.Context, username string, page *int) (any, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.InboxCollection")
	defer span.End()

	userURL := s.config.UserURL(username)
	return s.collection(ctx, userURL+"/inbox", username, page, func(ctx context.Context, owner string, page *int) (store.Paginated, error) {
		return s.store.GetPaginatedInbox(ctx, owner, page)
	})
}

func (s *Service) Object(ctx context.Context, url string) (types.InboxObject, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.Object")
	defer span.End()
	return s.store.LoadObject(ctx, url)
}

// -

// Inbox applies one inbound activity after the transport-level gates. The
// signature owner must be the activity's actor, and an activity carrying
// an id must be same-host with its actor, so nobody can speak for a
// stranger with a valid signature of their own.
func (s *Service) Inbox(ctx context.Context, username string, activity *types.RawApObj, sender *sigverify.SenderKey) error {
	ctx, span := tracer.Start(ctx, "Ap.Service.Inbox")
	defer span.End()

	user, err := s.store.LoadUser(ctx, username)
	if err != nil {
		span.RecordError(err)
		return errors.Wrap(inbox.ErrInvalid, "unknown user")
	}

	actor := activity.MustGetString("actor")
	if actor == "" {
		return errors.Wrap(inbox.ErrInvalid, "activity without actor")
	}
	if sender == nil || sender.Owner != actor {
		return errors.Wrap(inbox.ErrInvalid, "signature owner does not match actor")
	}
	if id := activity.MustGetString("id"); id != "" && !sameHost(id, actor) {
		return errors.Wrap(inbox.ErrInvalid, "activity id is not same-host with actor")
	}

	return s.inbox.HandleActivity(ctx, user, activity)
}

// PostOutbox publishes an activity on behalf of an authenticated local
// user. A bare object is wrapped into a Create. Returns the URL of the
// published activity or object.
func (s *Service) PostOutbox(ctx context.Context, user types.User, activity types.ApObject) (string, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.PostOutbox")
	defer span.End()

	userURL := s.config.UserURL(user.Username)
	activity.Actor = userURL

	if !activityTypes[activity.Type] {
		object, err := s.outbox.SendObject(ctx, user, activity)
		if err != nil {
			span.RecordError(err)
			return "", err
		}
		s.recordOwnObject(ctx, user, object)
		return object.ID, nil
	}

	if activity.ID == "" {
		activity.ID = s.config.BaseURL() + "/" + newActivityID()
	}

	switch activity.Type {
	case "Follow":
		if err := s.recordFollowing(ctx, userURL, activity); err != nil {
			return "", err
		}
	case "Undo":
		s.recordUnfollow(ctx, userURL, activity)
	}

	if err := s.outbox.SendActivity(ctx, user, activity); err != nil {
		span.RecordError(err)
		return "", err
	}
	return activity.ID, nil
}

// recordFollowing stores the edge "this user follows the target" so
// inbound Creates from the target pass the follow gate.
func (s *Service) recordFollowing(ctx context.Context, userURL string, activity types.ApObject) error {
	target := types.AsList(activity.Object)
	if len(target) != 1 || target[0] == "" {
		return errors.Wrap(inbox.ErrInvalid, "follow must target exactly one actor")
	}
	edge := types.Follower{Owner: target[0], Actor: userURL, CreatedAt: time.Now()}
	return s.store.Follow(ctx, edge)
}

func (s *Service) recordUnfollow(ctx context.Context, userURL string, activity types.ApObject) {
	innerMap, ok := activity.Object.(map[string]any)
	if !ok {
		return
	}
	inner := types.RawApObjFromMap(innerMap)
	if inner.MustGetString("type") != "Follow" {
		return
	}
	for _, target := range inner.GetStringList("object") {
		if err := s.store.Unfollow(ctx, target, userURL); err != nil {
			log.Printf("ap: removing follow edge %s -> %s: %v", userURL, target, err)
		}
	}
}

// recordOwnObject keeps a copy of a published object so the outbox
// collection and object URLs stay dereferenceable.
func (s *Service) recordOwnObject(ctx context.Context, user types.User, object types.ApObject) {
	payload, err := marshalObject(object)
	if err != nil {
		return
	}
	s.store.SaveObject(ctx, types.InboxObject{
		URL:       object.ID,
		Owner:     user.Username,
		Actor:     s.config.UserURL(user.Username),
		JSON:      payload,
		IsPublic:  isPublicAddressed(object),
		CreatedAt: time.Now(),
	})
}

func marshalObject(object types.ApObject) (string, error) {
	if object.Context == nil {
		object.Context = activityStreamsURL
	}
	raw, err := json.Marshal(object)
	return string(raw), err
}

var publicMarkers = map[string]bool{
	activityStreamsURL + "#Public": true,
	"as:Public":                   true,
	"Public":                      true,
}

func isPublicAddressed(object types.ApObject) bool {
	for _, field := range []any{object.To, object.CC, object.Audience} {
		for _, target := range types.AsList(field) {
			if publicMarkers[target] {
				return true
			}
		}
	}
	return false
}

func newActivityID() string {
	return uuid.NewString()
}

func sameHost(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return false
	}
	return ua.Host == ub.Host && ua.Host != ""
}
