package crypto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptSecretRoundTrip(t *testing.T) {
	blob, err := EncryptSecret("super-secret-api-key", "hunter2")
	require.NoError(t, err)

	plain, err := DecryptSecret(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "super-secret-api-key", plain)
}

func TestDecryptSecretWrongPasswordFails(t *testing.T) {
	blob, err := EncryptSecret("super-secret-api-key", "hunter2")
	require.NoError(t, err)

	_, err = DecryptSecret(blob, "wrong")
	require.Error(t, err)
}

func TestLoadBrokerSecretPrefersRaw(t *testing.T) {
	got, err := LoadBrokerSecret(SecretConfig{RawSecret: "raw-secret"})
	require.NoError(t, err)
	assert.Equal(t, "raw-secret", got)
}

func TestHMACSignAndVerify(t *testing.T) {
	auth := &HMACAuth{Key: "key-1", Secret: "signing-secret"}
	headers := auth.HeadersAt("GET", "/api/runs/R1", "", time.Now().Unix())

	err := auth.Verify("GET", "/api/runs/R1", "",
		headers[HeaderAPIKey], headers[HeaderTimestamp], headers[HeaderSignature], time.Minute)
	assert.NoError(t, err)
}

func TestHMACVerifyRejectsTamperedPath(t *testing.T) {
	auth := &HMACAuth{Key: "key-1", Secret: "signing-secret"}
	headers := auth.HeadersAt("GET", "/api/runs/R1", "", time.Now().Unix())

	err := auth.Verify("GET", "/api/runs/R2", "",
		headers[HeaderAPIKey], headers[HeaderTimestamp], headers[HeaderSignature], time.Minute)
	assert.Error(t, err)
}

func TestHMACVerifyRejectsStaleTimestamp(t *testing.T) {
	auth := &HMACAuth{Key: "key-1", Secret: "signing-secret"}
	headers := auth.HeadersAt("GET", "/api/runs/R1", "", time.Now().Add(-time.Hour).Unix())

	err := auth.Verify("GET", "/api/runs/R1", "",
		headers[HeaderAPIKey], headers[HeaderTimestamp], headers[HeaderSignature], time.Minute)
	assert.Error(t, err)
}
