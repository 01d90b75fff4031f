package logging

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupWritesRotatedFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "gateway.log")
	logger := SetupWithOptions("a2a-gateway", "test", Options{File: path, Level: slog.LevelDebug})
	logger.Debug("hello", "method", "a2a.handshake")

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())

	var line map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
	require.Equal(t, "hello", line["message"])
	require.Equal(t, "DEBUG", line["severity"])
	require.Equal(t, "a2a-gateway", line["service"])
	require.Equal(t, "test", line["env"])
	require.Contains(t, line, "timestamp")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestMasking(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("key_ref", "env:SECRET").Value.String())
	require.Equal(t, "a2a.handshake", MaskField("method", "a2a.handshake").Value.String())
	require.Equal(t, "0xabcd...7890", MaskHex("signature", "0xabcdef0123456789001234567890").Value.String())
	require.Equal(t, RedactedValue, MaskHex("signature", "0x1234").Value.String())
}
