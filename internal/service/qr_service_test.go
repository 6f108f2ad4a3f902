package service

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hasini383/attend-api/pkg/config"
	appErrors "github.com/hasini383/attend-api/pkg/errors"
)

func TestQRPassRoundTrip(t *testing.T) {
	store := newMemLedger(activeStudent("s1"))
	svc := NewQRService(store, config.QRConfig{Secret: "test-secret"}, zap.NewNop())

	token, expiresAt, err := svc.IssuePass(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, expiresAt.IsZero())

	id, err := svc.VerifyPass(token)
	require.NoError(t, err)
	assert.Equal(t, "s1", id)
}

func TestQRPassWithTTL(t *testing.T) {
	store := newMemLedger(activeStudent("s1"))
	svc := NewQRService(store, config.QRConfig{Secret: "test-secret", TokenTTL: time.Hour}, zap.NewNop())

	token, expiresAt, err := svc.IssuePass(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, expiresAt.IsZero())

	id, err := svc.VerifyPass(token)
	require.NoError(t, err)
	assert.Equal(t, "s1", id)
}

func TestQRPassExpiredRejected(t *testing.T) {
	store := newMemLedger(activeStudent("s1"))
	svc := NewQRService(store, config.QRConfig{Secret: "test-secret"}, zap.NewNop())

	encodedID := base64.RawURLEncoding.EncodeToString([]byte("s1"))
	token := strings.Join([]string{encodedID, "1", svc.sign(encodedID, 1)}, ".")

	_, err := svc.VerifyPass(token)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidToken.Code, appErrors.FromError(err).Code)
}

func TestQRPassTamperRejected(t *testing.T) {
	store := newMemLedger(activeStudent("s1"), activeStudent("s2"))
	svc := NewQRService(store, config.QRConfig{Secret: "test-secret"}, zap.NewNop())

	token, _, err := svc.IssuePass(context.Background(), "s1")
	require.NoError(t, err)

	// Swap in another student's id while keeping the signature.
	parts := strings.Split(token, ".")
	parts[0] = base64.RawURLEncoding.EncodeToString([]byte("s2"))
	_, err = svc.VerifyPass(strings.Join(parts, "."))
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidToken.Code, appErrors.FromError(err).Code)
}

func TestQRPassWrongSecretRejected(t *testing.T) {
	store := newMemLedger(activeStudent("s1"))
	issuer := NewQRService(store, config.QRConfig{Secret: "secret-a"}, zap.NewNop())
	verifier := NewQRService(store, config.QRConfig{Secret: "secret-b"}, zap.NewNop())

	token, _, err := issuer.IssuePass(context.Background(), "s1")
	require.NoError(t, err)

	_, err = verifier.VerifyPass(token)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidToken.Code, appErrors.FromError(err).Code)
}

func TestQRPassMalformedToken(t *testing.T) {
	store := newMemLedger(activeStudent("s1"))
	svc := NewQRService(store, config.QRConfig{Secret: "test-secret"}, zap.NewNop())

	for _, token := range []string{"", "one.two", "a.b.c.d", "x.notanumber.sig"} {
		_, err := svc.VerifyPass(token)
		require.Error(t, err, "token %q", token)
		assert.Equal(t, appErrors.ErrInvalidToken.Code, appErrors.FromError(err).Code)
	}
}

func TestQRPassImageIsPNG(t *testing.T) {
	store := newMemLedger(activeStudent("s1"))
	svc := NewQRService(store, config.QRConfig{Secret: "test-secret", PNGSize: 128}, zap.NewNop())

	png, err := svc.PassImage(context.Background(), "s1")
	require.NoError(t, err)
	require.Greater(t, len(png), 8)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, png[:8])
}

func TestQRPassUnknownStudent(t *testing.T) {
	store := newMemLedger()
	svc := NewQRService(store, config.QRConfig{Secret: "test-secret"}, zap.NewNop())

	_, _, err := svc.IssuePass(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}
