package crypto

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
)

func TestSignAndRecover(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	msg := []byte(`{"amount":"10","nonce":"abc"}`)
	sig, err := key.SignMessage(msg)
	require.NoError(t, err)
	require.Len(t, sig, SignatureLength)
	require.Contains(t, []byte{27, 28}, sig[64])

	addr, err := RecoverAddress(msg, sig)
	require.NoError(t, err)
	require.Equal(t, key.Address(), addr)

	// Zero-based recovery ids are accepted as well.
	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	addr, err = RecoverAddress(msg, raw)
	require.NoError(t, err)
	require.Equal(t, key.Address(), addr)
}

func TestRecoverRejectsMalformed(t *testing.T) {
	_, err := RecoverAddress([]byte("x"), make([]byte, 64))
	require.ErrorIs(t, err, ErrInvalidSignature)

	bad := make([]byte, SignatureLength)
	bad[64] = 31
	_, err = RecoverAddress([]byte("x"), bad)
	require.ErrorIs(t, err, ErrInvalidSignature)

	_, err = RecoverAddressHex([]byte("x"), "0xzz")
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestRecoverDifferentMessage(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	sigHex, err := key.SignMessageHex([]byte("one"))
	require.NoError(t, err)

	addr, err := RecoverAddressHex([]byte("two"), sigHex)
	if err == nil {
		require.NotEqual(t, key.Address(), addr)
	}
}

func TestResolveKeyReferences(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	hexKey := hexutil.Encode(key.Bytes())

	direct, err := ResolveKey(hexKey)
	require.NoError(t, err)
	require.Equal(t, key.Address(), direct.Address())

	t.Setenv("A2A_TEST_EXECUTOR_KEY", strings.TrimPrefix(hexKey, "0x"))
	fromEnv, err := ResolveKey("env:A2A_TEST_EXECUTOR_KEY")
	require.NoError(t, err)
	require.Equal(t, key.Address(), fromEnv.Address())

	dir := t.TempDir()
	keyFile := filepath.Join(dir, "executor.key")
	require.NoError(t, os.WriteFile(keyFile, []byte(hexKey+"\n"), 0o600))
	fromFile, err := ResolveKey("file:" + keyFile)
	require.NoError(t, err)
	require.Equal(t, key.Address(), fromFile.Address())

	ksPath := filepath.Join(dir, "ks", "executor.json")
	require.NoError(t, SaveToKeystore(ksPath, key, "hunter2"))
	t.Setenv(KeystorePassphraseEnv, "hunter2")
	fromKeystore, err := ResolveKey("keystore:" + ksPath)
	require.NoError(t, err)
	require.Equal(t, key.Address(), fromKeystore.Address())

	_, err = ResolveKey("")
	require.ErrorIs(t, err, ErrEmptyKeyRef)
	_, err = ResolveKey("vault:secret/key")
	require.Error(t, err)
	_, err = ResolveKey("env:A2A_TEST_MISSING_KEY")
	require.Error(t, err)
}

func TestKeystoreWrongPassphrase(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, SaveToKeystore(path, key, "right"))
	_, err = LoadFromKeystore(path, "wrong")
	require.Error(t, err)
}
