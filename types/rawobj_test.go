package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRawApObjDottedPaths(t *testing.T) {
	t.Parallel()

	raw, err := LoadAsRawApObj([]byte(`{
		"type": "Person",
		"endpoints": {"sharedInbox": "https://remote.example/inbox"},
		"to": ["a", "b"],
		"object": {"id": "https://remote.example/notes/1"}
	}`))
	require.NoError(t, err)

	require.Equal(t, "Person", raw.MustGetString("type"))
	require.Equal(t, "https://remote.example/inbox", raw.MustGetString("endpoints.sharedInbox"))
	require.Equal(t, "https://remote.example/notes/1", raw.MustGetString("object.id"))
	require.Equal(t, "", raw.MustGetString("missing.path"))

	inner, ok := raw.GetRaw("object")
	require.True(t, ok)
	require.Equal(t, "https://remote.example/notes/1", inner.MustGetString("id"))
}

func TestRawApObjListAccessors(t *testing.T) {
	t.Parallel()

	raw, err := LoadAsRawApObj([]byte(`{
		"to": "single",
		"cc": ["a", "b"],
		"tag": {"type": "Mention", "href": "https://host.example/users/alice"}
	}`))
	require.NoError(t, err)

	require.Equal(t, []string{"single"}, raw.GetStringList("to"))
	require.Equal(t, []string{"a", "b"}, raw.GetStringList("cc"))
	require.Nil(t, raw.GetStringList("absent"))

	tags := raw.GetRawList("tag")
	require.Len(t, tags, 1, "a single object wraps into a one-element list")
	require.Equal(t, "Mention", tags[0].MustGetString("type"))
}

func TestAsList(t *testing.T) {
	t.Parallel()

	require.Nil(t, AsList(nil))
	require.Equal(t, []string{"a"}, AsList("a"))
	require.Equal(t, []string{"a", "b"}, AsList([]string{"a", "b"}))
	require.Equal(t, []string{"a", "b"}, AsList([]any{"a", "b"}))
	require.Equal(t, []string{"a"}, AsList([]any{"a", 42, nil}), "non-strings are skipped")
	require.Nil(t, AsList(42))
}

func TestApConfigURLs(t *testing.T) {
	t.Parallel()

	config := ApConfig{FQDN: "host.example"}
	require.Equal(t, "https://host.example", config.BaseURL())
	require.Equal(t, "https://host.example/users/alice", config.UserURL("alice"))
}
