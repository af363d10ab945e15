package backends

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupKeyValue(t *testing.T) *KeyValue {
	t.Helper()
	kv, err := NewKeyValue(KeyValueConfig{InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Shutdown(context.Background()) })
	return kv
}

func TestKeyValueExecute(t *testing.T) {
	ctx := context.Background()
	kv := setupKeyValue(t)

	h, err := kv.Open(ctx)
	require.NoError(t, err)

	_, err = kv.Execute(ctx, h, Command{Op: OpPut, Key: []byte("k"), Value: []byte("v")})
	require.NoError(t, err)

	res, err := kv.Execute(ctx, h, Command{Op: OpGet, Key: []byte("k")})
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, []byte("v"), res.Value)

	_, err = kv.Execute(ctx, h, Command{Op: OpDelete, Key: []byte("k")})
	require.NoError(t, err)

	res, err = kv.Execute(ctx, h, Command{Op: OpGet, Key: []byte("k")})
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestKeyValueBufferedTransaction(t *testing.T) {
	ctx := context.Background()
	kv := setupKeyValue(t)
	assert.Equal(t, TxBuffered, kv.TxMode())

	h, err := kv.Open(ctx)
	require.NoError(t, err)

	tx, err := kv.Begin(ctx, h, IsolationDefault)
	require.NoError(t, err)
	_, err = tx.Execute(ctx, Command{Op: OpPut, Key: []byte("a"), Value: []byte("1")})
	require.NoError(t, err)

	// Read-your-writes inside the transaction, nothing visible outside.
	res, err := tx.Execute(ctx, Command{Op: OpGet, Key: []byte("a")})
	require.NoError(t, err)
	assert.True(t, res.Found)

	res, err = kv.Execute(ctx, h, Command{Op: OpGet, Key: []byte("a")})
	require.NoError(t, err)
	assert.False(t, res.Found, "buffered write leaked before commit")

	require.NoError(t, tx.Commit(ctx))

	res, err = kv.Execute(ctx, h, Command{Op: OpGet, Key: []byte("a")})
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), res.Value)

	assert.ErrorIs(t, tx.Commit(ctx), errTxFinished)
}

func TestKeyValueAbortDiscards(t *testing.T) {
	ctx := context.Background()
	kv := setupKeyValue(t)
	h, err := kv.Open(ctx)
	require.NoError(t, err)

	tx, err := kv.Begin(ctx, h, IsolationDefault)
	require.NoError(t, err)
	_, err = tx.Execute(ctx, Command{Op: OpPut, Key: []byte("x"), Value: []byte("1")})
	require.NoError(t, err)
	require.NoError(t, tx.Abort(ctx))

	res, err := kv.Execute(ctx, h, Command{Op: OpGet, Key: []byte("x")})
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestKeyValueClosedSession(t *testing.T) {
	ctx := context.Background()
	kv := setupKeyValue(t)
	h, err := kv.Open(ctx)
	require.NoError(t, err)
	require.NoError(t, kv.Close(ctx, h))

	_, err = kv.Execute(ctx, h, Command{Op: OpPing})
	assert.ErrorIs(t, err, errHandleClosed)

	_, err = kv.Execute(ctx, &graphSession{}, Command{Op: OpPing})
	assert.ErrorIs(t, err, errBadHandle)
}

func TestKeyValueSharedDBNotClosed(t *testing.T) {
	ctx := context.Background()
	owner := setupKeyValue(t)
	shared := NewKeyValueFromDB(owner.DB(), nil)

	require.NoError(t, shared.Shutdown(ctx))
	assert.False(t, owner.DB().IsClosed())
}
