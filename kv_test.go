package chatsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKV(t *testing.T) {
	stores := map[string]func(t *testing.T) KV{
		"memory": func(t *testing.T) KV { return NewMemoryKV() },
		"pebble": func(t *testing.T) KV {
			kv, err := OpenPebbleKV(t.TempDir())
			require.NoError(t, err)
			return kv
		},
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			kv := open(t)
			defer kv.Close()

			_, ok, err := kv.Get("missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, kv.Set("chatApp_lastRead_bob", []byte("1")))
			require.NoError(t, kv.Set("chatApp_lastRead_amy", []byte("2")))
			require.NoError(t, kv.Set("chatAppContacts", []byte(`["bob"]`)))

			v, ok, err := kv.Get("chatApp_lastRead_bob")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []byte("1"), v)

			// returned slices are copies
			v[0] = 'x'
			again, _, _ := kv.Get("chatApp_lastRead_bob")
			assert.Equal(t, []byte("1"), again)

			keys, err := kv.Keys(keyLastReadPrefix)
			require.NoError(t, err)
			assert.Equal(t, []string{"chatApp_lastRead_amy", "chatApp_lastRead_bob"}, keys)

			all, err := kv.Keys("")
			require.NoError(t, err)
			assert.Len(t, all, 3)

			require.NoError(t, kv.Delete("chatApp_lastRead_bob"))
			_, ok, err = kv.Get("chatApp_lastRead_bob")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestPebbleKVReopen(t *testing.T) {
	dir := t.TempDir()
	kv, err := OpenPebbleKV(dir)
	require.NoError(t, err)
	require.NoError(t, kv.Set(keyProfile, []byte(`{"name":"Amy"}`)))
	require.NoError(t, kv.Close())

	kv, err = OpenPebbleKV(dir)
	require.NoError(t, err)
	defer kv.Close()
	v, ok, err := kv.Get(keyProfile)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"name":"Amy"}`, string(v))
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte("ab"), prefixUpperBound([]byte("aa")))
	assert.Equal(t, []byte("b"), prefixUpperBound([]byte{'a', 0xff}))
	assert.Nil(t, prefixUpperBound([]byte{0xff, 0xff}))
}
