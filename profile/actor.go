package profile

import (
	"github.com/pkg/errors"

	"github.com/meanengineer/apserver/types"
)

var actorTypes = map[string]bool{
	"Application":  true,
	"Group":        true,
	"Organization": true,
	"Person":       true,
	"Service":      true,
}

// Actor is the validated subset of a remote actor document this server
// cares about: addressing endpoints and published keys.
type Actor struct {
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox"`
	SharedInbox       string      `json:"sharedInbox,omitempty"`
	PreferredUsername string      `json:"preferredUsername,omitempty"`
	Name              string      `json:"name,omitempty"`
	PublicKeys        []types.Key `json:"publicKeys,omitempty"`
}

// BestInbox prefers the shared inbox when the actor publishes one, which
// avoids duplicate deliveries to recipients behind the same server.
func (a Actor) BestInbox() string {
	if a.SharedInbox != "" {
		return a.SharedInbox
	}
	return a.Inbox
}

// FindKey returns the actor's key whose id and owner both match.
func (a Actor) FindKey(id, owner string) (types.Key, bool) {
	for _, key := range a.PublicKeys {
		if key.ID == id && key.Owner == owner {
			return key, true
		}
	}
	return types.Key{}, false
}

// actorFromCompacted builds an Actor from a JSON-LD-compacted document and
// validates the fields the rest of the system relies on.
func actorFromCompacted(doc *types.RawApObj) (Actor, error) {
	actor := Actor{
		ID:                doc.MustGetString("id"),
		Type:              doc.MustGetString("type"),
		Inbox:             doc.MustGetString("inbox"),
		Outbox:            doc.MustGetString("outbox"),
		SharedInbox:       doc.MustGetString("endpoints.sharedInbox"),
		PreferredUsername: doc.MustGetString("preferredUsername"),
		Name:              doc.MustGetString("name"),
	}

	for _, rawKey := range doc.GetRawList("publicKey") {
		actor.PublicKeys = append(actor.PublicKeys, types.Key{
			ID:           rawKey.MustGetString("id"),
			Owner:        rawKey.MustGetString("owner"),
			PublicKeyPem: rawKey.MustGetString("publicKeyPem"),
		})
	}

	if !actorTypes[actor.Type] {
		return Actor{}, errors.Errorf("remote object is not a valid actor: type %q", actor.Type)
	}
	if actor.ID == "" || actor.Inbox == "" {
		return Actor{}, errors.New("remote actor is missing id or inbox")
	}

	return actor, nil
}
