package jsonld

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompactKeepsKnownTerms(t *testing.T) {
	t.Parallel()

	c, err := NewCompactor()
	require.NoError(t, err)

	compacted, err := c.CompactBytes([]byte(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://remote.example/follows/1",
		"type": "Follow",
		"actor": "https://remote.example/users/bob",
		"object": "https://host.example/users/alice"
	}`))
	require.NoError(t, err)

	require.Equal(t, "https://remote.example/follows/1", compacted["id"])
	require.Equal(t, "Follow", compacted["type"])
	require.Equal(t, "https://remote.example/users/bob", compacted["actor"])
	require.Equal(t, "https://host.example/users/alice", compacted["object"])
}

func TestCompactNormalizesExpandedTerms(t *testing.T) {
	t.Parallel()

	c, err := NewCompactor()
	require.NoError(t, err)

	// fully-expanded IRIs compact back to the short vocabulary
	compacted, err := c.CompactBytes([]byte(`{
		"@id": "https://remote.example/notes/1",
		"@type": "https://www.w3.org/ns/activitystreams#Note",
		"https://www.w3.org/ns/activitystreams#content": "hello"
	}`))
	require.NoError(t, err)

	require.Equal(t, "https://remote.example/notes/1", compacted["id"])
	require.Equal(t, "Note", compacted["type"])
	require.Equal(t, "hello", compacted["content"])
}

func TestUnknownContextDoesNotFetch(t *testing.T) {
	t.Parallel()

	c, err := NewCompactor()
	require.NoError(t, err)

	// a hostile @context URL resolves to an empty context instead of a
	// network round-trip; the document still compacts
	compacted, err := c.CompactBytes([]byte(`{
		"@context": ["https://www.w3.org/ns/activitystreams", "https://attacker.example/context.jsonld"],
		"id": "https://remote.example/notes/1",
		"type": "Note"
	}`))
	require.NoError(t, err)
	require.Equal(t, "https://remote.example/notes/1", compacted["id"])
}

func TestCompactSecurityVocabulary(t *testing.T) {
	t.Parallel()

	c, err := NewCompactor()
	require.NoError(t, err)

	compacted, err := c.CompactBytes([]byte(`{
		"@context": ["https://www.w3.org/ns/activitystreams", "https://w3id.org/security/v1"],
		"id": "https://remote.example/users/bob",
		"type": "Person",
		"inbox": "https://remote.example/users/bob/inbox",
		"publicKey": {
			"id": "https://remote.example/users/bob#main-key",
			"owner": "https://remote.example/users/bob",
			"publicKeyPem": "-----BEGIN PUBLIC KEY-----"
		}
	}`))
	require.NoError(t, err)

	key, ok := compacted["publicKey"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "https://remote.example/users/bob#main-key", key["id"])
	require.Equal(t, "-----BEGIN PUBLIC KEY-----", key["publicKeyPem"])
}

func TestCompactRejectsInvalidJSON(t *testing.T) {
	t.Parallel()

	c, err := NewCompactor()
	require.NoError(t, err)

	_, err = c.CompactBytes([]byte("not json"))
	require.Error(t, err)
}
