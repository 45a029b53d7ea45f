package crypto_test

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/progressdb/openmemory-core/internal/crypto"
)

var envelopeRe = regexp.MustCompile(`^v1:[A-Za-z0-9+/=]+:[A-Za-z0-9+/=]+$`)

func Test_RealProvider_EncryptDecrypt_RoundTrips(t *testing.T) {
	t.Parallel()

	p, err := crypto.NewRealProvider(crypto.Config{
		Enabled:       true,
		PrimarySecret: "primary-secret-at-least-16",
		Salt:          "salt-value",
	})
	require.NoError(t, err)

	for _, plaintext := range [][]byte{[]byte(""), []byte("a"), []byte(`{"k":"v"}`)} {
		env, err := p.Encrypt(plaintext)
		require.NoError(t, err)
		assert.Regexp(t, envelopeRe, env)

		got, err := p.Decrypt(env)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func Test_RealProvider_Encrypt_UsesFreshIVEachTime(t *testing.T) {
	t.Parallel()

	p, err := crypto.NewRealProvider(crypto.Config{Enabled: true, PrimarySecret: "primary-secret-at-least-16", Salt: "s"})
	require.NoError(t, err)

	a, err := p.Encrypt([]byte("same plaintext"))
	require.NoError(t, err)
	b, err := p.Encrypt([]byte("same plaintext"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func Test_RealProvider_Decrypt_RotatesThroughSecondaryKeys(t *testing.T) {
	t.Parallel()

	oldProvider, err := crypto.NewRealProvider(crypto.Config{Enabled: true, PrimarySecret: "old-secret-is-16ch", Salt: "s"})
	require.NoError(t, err)

	env, err := oldProvider.Encrypt([]byte("secret payload"))
	require.NoError(t, err)

	rotated, err := crypto.NewRealProvider(crypto.Config{
		Enabled:          true,
		PrimarySecret:    "new-secret-is-16ch",
		SecondarySecrets: []string{"old-secret-is-16ch"},
		Salt:             "s",
	})
	require.NoError(t, err)

	got, err := rotated.Decrypt(env)
	require.NoError(t, err)
	assert.Equal(t, "secret payload", string(got))
}

func Test_RealProvider_Decrypt_PassesThroughUnencryptedLegacyData(t *testing.T) {
	t.Parallel()

	p, err := crypto.NewRealProvider(crypto.Config{Enabled: true, PrimarySecret: "primary-secret-at-least-16", Salt: "s"})
	require.NoError(t, err)

	got, err := p.Decrypt("plain legacy value")
	require.NoError(t, err)
	assert.Equal(t, "plain legacy value", string(got))
}

func Test_NewRealProvider_RejectsShortSecret(t *testing.T) {
	t.Parallel()

	_, err := crypto.NewRealProvider(crypto.Config{Enabled: true, PrimarySecret: "short", Salt: "s"})
	assert.Error(t, err)
}

func Test_NoopProvider_PassesThroughUnchanged(t *testing.T) {
	t.Parallel()

	var p crypto.NoopProvider
	env, err := p.Encrypt([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", env)

	got, err := p.Decrypt(env)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func Test_Singleton_DefaultsToNoopBeforeInit(t *testing.T) {
	crypto.Reset()
	defer crypto.Reset()

	got := crypto.Get()
	env, err := got.Encrypt([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "x", env)
}

func Test_Singleton_InitInstallsRealProvider(t *testing.T) {
	crypto.Reset()
	defer crypto.Reset()

	require.NoError(t, crypto.Init(crypto.Config{Enabled: true, PrimarySecret: "primary-secret-at-least-16", Salt: "s"}))

	env, err := crypto.Get().Encrypt([]byte("payload"))
	require.NoError(t, err)
	assert.Regexp(t, envelopeRe, env)
}
