package callback

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigner_URLRoundTrip(t *testing.T) {
	s, err := NewSigner("http://hub.local/", "", "", time.Minute)
	require.NoError(t, err)

	raw, err := s.URL("sess:abc", "sess")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "http://hub.local"+Path+"?token="))

	u, err := url.Parse(raw)
	require.NoError(t, err)
	claims, err := s.Verify(u.Query().Get("token"))
	require.NoError(t, err)
	assert.Equal(t, "sess:abc", claims.CorrelationID)
	assert.Equal(t, "sess", claims.SessionID)
}

func TestSigner_RejectsForeignKey(t *testing.T) {
	a, err := NewSigner("http://a", "", "", time.Minute)
	require.NoError(t, err)
	b, err := NewSigner("http://b", "", "", time.Minute)
	require.NoError(t, err)

	tok, err := a.Token("x:1", "x")
	require.NoError(t, err)
	_, err = b.Verify(tok)
	assert.Error(t, err)
}

func TestSigner_RejectsExpired(t *testing.T) {
	s, err := NewSigner("http://a", "", "", time.Millisecond)
	require.NoError(t, err)
	tok, err := s.Token("x:1", "x")
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)
	_, err = s.Verify(tok)
	assert.Error(t, err)
}

func TestSigner_RejectsGarbage(t *testing.T) {
	s, err := NewSigner("http://a", "", "", time.Minute)
	require.NoError(t, err)
	_, err = s.Verify("not-a-token")
	assert.Error(t, err)
}

func TestWriteKeyPair_LoadsIntoSigner(t *testing.T) {
	dir := t.TempDir()
	priv, pub, err := WriteKeyPair(dir)
	require.NoError(t, err)

	s, err := NewSigner("http://a", priv, pub, time.Minute)
	require.NoError(t, err)
	tok, err := s.Token("x:1", "x")
	require.NoError(t, err)
	claims, err := s.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "x:1", claims.CorrelationID)

	_, _, err = WriteKeyPair(dir)
	assert.ErrorIs(t, err, ErrKeyExists)
}

func TestNewSigner_MismatchedKeys(t *testing.T) {
	priv, _, err := WriteKeyPair(t.TempDir())
	require.NoError(t, err)
	_, otherPub, err := WriteKeyPair(t.TempDir())
	require.NoError(t, err)

	_, err = NewSigner("http://a", priv, otherPub, time.Minute)
	assert.ErrorContains(t, err, "does not match")
}
