package main

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	var out bytes.Buffer
	src := bytes.NewReader(bytes.Repeat([]byte{7}, 64))

	require.Equal(t, 0, generate(&out, src, "uid"))
	line := strings.TrimSpace(out.String())
	require.True(t, strings.HasPrefix(line, "uid key: "))
	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(line, "uid key: "))
	require.NoError(t, err)
	assert.Len(t, key, uidKeyLength)

	out.Reset()
	require.Equal(t, 0, generate(&out, src, "token"))
	key, err = base64.StdEncoding.DecodeString(strings.TrimPrefix(strings.TrimSpace(out.String()), "token key: "))
	require.NoError(t, err)
	assert.Len(t, key, tokenKeyLength)

	assert.Equal(t, 1, generate(&out, src, "bogus"))
	// Source exhausted.
	assert.Equal(t, 1, generate(&out, bytes.NewReader(nil), "uid"))
}

func TestIssueAndValidate(t *testing.T) {
	key := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, tokenKeyLength))

	var out bytes.Buffer
	require.Equal(t, 0, issue(&out, key, 2, "alice", time.Hour))
	fields := strings.Fields(out.String())
	secret := fields[len(fields)-1]

	out.Reset()
	assert.Equal(t, 0, validate(&out, key, 2, secret))
	assert.Contains(t, out.String(), "'alice'")

	// Wrong serial number.
	assert.Equal(t, 1, validate(&out, key, 3, secret))
	// Wrong key.
	other := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{2}, tokenKeyLength))
	assert.Equal(t, 1, validate(&out, other, 2, secret))
}

func TestIssueRejectsBadKey(t *testing.T) {
	var out bytes.Buffer
	assert.Equal(t, 1, issue(&out, "", 0, "alice", time.Hour))
	assert.Equal(t, 1, issue(&out, "not base64!", 0, "alice", time.Hour))
	short := base64.StdEncoding.EncodeToString([]byte("short"))
	assert.Equal(t, 1, issue(&out, short, 0, "alice", time.Hour))
	assert.Equal(t, 1, issue(&out, base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, tokenKeyLength)), 0, "", time.Hour))
}
