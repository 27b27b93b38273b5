package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	token, cred, err := Issue()
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.Equal(t, Iterations, cred.Iterations)

	salt, secret, err := ParseToken(token)
	require.NoError(t, err)
	require.Equal(t, cred.Salt, salt)
	require.True(t, Verify(secret, cred))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	t.Parallel()

	_, cred, err := Issue()
	require.NoError(t, err)

	require.False(t, Verify([]byte("wrong"), cred))
	require.False(t, Verify(nil, cred))
}

func TestParseTokenRejectsMalformed(t *testing.T) {
	t.Parallel()

	for _, token := range []string{"", "nocolon", "!!!:abc", "abc:!!!"} {
		_, _, err := ParseToken(token)
		require.Error(t, err, token)
	}
}

func TestIssuedTokensAreUnique(t *testing.T) {
	t.Parallel()

	a, credA, err := Issue()
	require.NoError(t, err)
	b, credB, err := Issue()
	require.NoError(t, err)

	require.NotEqual(t, a, b)
	require.NotEqual(t, credA.Salt, credB.Salt)
}
