package storage

import (
	"context"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
)

const (
	seedAlice = "alpha beta gamma delta epsilon zeta eta theta iota kappa lambda mu nu xi omicron"
	seedBob   = "one two three four five six seven eight nine ten eleven twelve thirteen fourteen fifteen"
)

func openMemory(t *testing.T, seed string) *Store {
	t.Helper()
	st, err := Connect(seed, Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := openMemory(t, seedAlice)

	require.NoError(t, st.Put(ctx, "conversations/s1/manifest", []byte(`{"model":"m"}`)))

	val, ok, err := st.Get(ctx, "conversations/s1/manifest")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"model":"m"}`, string(val))
}

func TestGetAbsent(t *testing.T) {
	ctx := context.Background()
	st := openMemory(t, seedAlice)

	val, ok, err := st.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, val)
}

func TestOverwriteKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	st := openMemory(t, seedAlice)

	require.NoError(t, st.Put(ctx, "p", []byte("v1")))
	meta1, ok, err := st.Metadata(ctx, "p")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, st.Put(ctx, "p", []byte("longer value 2")))
	meta2, ok, err := st.Metadata(ctx, "p")
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, meta1.CreatedAt, meta2.CreatedAt)
	require.Equal(t, 14, meta2.Size)
	require.False(t, meta2.UpdatedAt.Before(meta1.UpdatedAt))
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	st := openMemory(t, seedAlice)

	require.NoError(t, st.Put(ctx, "p", []byte("v")))
	require.NoError(t, st.Delete(ctx, "p"))
	_, ok, err := st.Get(ctx, "p")
	require.NoError(t, err)
	require.False(t, ok)

	// Deleting an absent path is fine.
	require.NoError(t, st.Delete(ctx, "p"))
}

func TestList(t *testing.T) {
	ctx := context.Background()
	st := openMemory(t, seedAlice)

	require.NoError(t, st.Put(ctx, "vectors/s1/c2", []byte("b")))
	require.NoError(t, st.Put(ctx, "vectors/s1/c1", []byte("a")))
	require.NoError(t, st.Put(ctx, "vectors/s2/c1", []byte("c")))

	paths, err := st.List(ctx, "vectors/s1/")
	require.NoError(t, err)
	require.Equal(t, []string{"vectors/s1/c1", "vectors/s1/c2"}, paths)
}

func TestCrossIdentityIsolation(t *testing.T) {
	ctx := context.Background()

	// Two identities over the same underlying database.
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	defer db.Close()

	alice, err := ConnectDB(seedAlice, db, nil)
	require.NoError(t, err)
	bob, err := ConnectDB(seedBob, db, nil)
	require.NoError(t, err)

	require.NoError(t, alice.Put(ctx, "conversations/s1/manifest", []byte("secret")))

	// Bob cannot see Alice's value even though he knows the path.
	val, ok, err := bob.Get(ctx, "conversations/s1/manifest")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, val)

	paths, err := bob.List(ctx, "conversations/")
	require.NoError(t, err)
	require.Empty(t, paths)

	// Bob's own write to the same path is independent.
	require.NoError(t, bob.Put(ctx, "conversations/s1/manifest", []byte("bob's")))
	val, ok, err = alice.Get(ctx, "conversations/s1/manifest")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "secret", string(val))
}

func TestConnectRequiresPath(t *testing.T) {
	_, err := Connect(seedAlice, Options{})
	require.Error(t, err)
}
