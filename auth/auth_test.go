package auth

import (
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier([]byte("test-secret"), "docsync")
	require.NoError(t, err)
	return v
}

func TestIssueAndAuthorize(t *testing.T) {
	v := newTestVerifier(t)
	token, err := v.Issue("alice", RoleKBEditor, "/data/kb1", time.Hour)
	require.NoError(t, err)

	claims, err := v.Authorize(token, RoleKBEditor, "/data/kb1")
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "/data/kb1", claims.Location)
}

func TestAuthorizeRejects(t *testing.T) {
	v := newTestVerifier(t)
	editor, err := v.Issue("alice", RoleKBEditor, "/data/kb1", time.Hour)
	require.NoError(t, err)

	_, err = v.Authorize(editor, RoleAdmin, "")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = v.Authorize(editor, RoleKBEditor, "/data/kb2")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = v.Authorize("not-a-jwt", RoleKBEditor, "/data/kb1")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	v := newTestVerifier(t)
	other, err := NewVerifier([]byte("other-secret"), "docsync")
	require.NoError(t, err)

	token, err := other.Issue("mallory", RoleAdmin, "", 0)
	require.NoError(t, err)
	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpired(t *testing.T) {
	v := newTestVerifier(t)
	v.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := v.Issue("alice", RoleKBEditor, "/kb", time.Hour)
	require.NoError(t, err)

	v.now = time.Now
	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsNoneAlgorithm(t *testing.T) {
	v := newTestVerifier(t)
	unsigned, err := gojwt.NewWithClaims(gojwt.SigningMethodNone, Claims{Role: RoleAdmin}).
		SignedString(gojwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	_, err := NewVerifier(nil, "")
	assert.Error(t, err)
}
