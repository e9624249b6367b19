package rdb

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dstainton/redisd/internal/store"
)

func writeLength6(buf *bytes.Buffer, n byte) {
	buf.WriteByte(n & 0x3F)
}

func writeString(buf *bytes.Buffer, s string) {
	writeLength6(buf, byte(len(s)))
	buf.WriteString(s)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	s := store.New()
	err := Load(filepath.Join(t.TempDir(), "nope.rdb"), s)
	require.NoError(t, err)
	assert.Empty(t, s.Keys())
}

func TestLoadSimpleKeyValue(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("REDIS0011")
	buf.WriteByte(0xFE) // SELECTDB
	writeLength6(&buf, 0)
	buf.WriteByte(0x00) // value type: string
	writeString(&buf, "foo")
	writeString(&buf, "bar")
	buf.WriteByte(0xFF) // EOF

	path := filepath.Join(t.TempDir(), "dump.rdb")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	s := store.New()
	require.NoError(t, Load(path, s))

	v, ok := s.Get("foo")
	require.True(t, ok)
	assert.Equal(t, "bar", string(v.Str))
}

func TestLoadAuxAndResizeDBAreDiscarded(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("REDIS0011")
	buf.WriteByte(0xFA) // AUX
	writeString(&buf, "redis-ver")
	writeString(&buf, "7.0.0")
	buf.WriteByte(0xFB) // RESIZEDB
	writeLength6(&buf, 1)
	writeLength6(&buf, 0)
	buf.WriteByte(0x00)
	writeString(&buf, "k")
	writeString(&buf, "v")
	buf.WriteByte(0xFF)

	path := filepath.Join(t.TempDir(), "dump.rdb")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	s := store.New()
	require.NoError(t, Load(path, s))
	v, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", string(v.Str))
}

func TestLoadExpireTimeMS(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("REDIS0011")
	buf.WriteByte(0xFC) // EXPIRETIMEMS
	buf.Write([]byte{0, 0, 0, 0, 0, 0, 0, 0}) // epoch 0 -> already expired
	buf.WriteByte(0x00)
	writeString(&buf, "gone")
	writeString(&buf, "v")
	buf.WriteByte(0xFF)

	path := filepath.Join(t.TempDir(), "dump.rdb")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	s := store.New()
	require.NoError(t, Load(path, s))
	_, ok := s.Get("gone")
	assert.False(t, ok)
}

func TestLoadBadMagicIsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.rdb")
	require.NoError(t, os.WriteFile(path, []byte("NOTREDISxx"), 0o644))

	s := store.New()
	err := Load(path, s)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestLoadSpecialIntegerString(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("REDIS0011")
	buf.WriteByte(0x00)
	writeString(&buf, "n")
	buf.WriteByte(0xC0) // special encoding, subtype 0: int8
	buf.WriteByte(42)
	buf.WriteByte(0xFF)

	path := filepath.Join(t.TempDir(), "dump.rdb")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	s := store.New()
	require.NoError(t, Load(path, s))
	v, ok := s.Get("n")
	require.True(t, ok)
	assert.Equal(t, "42", string(v.Str))
}
