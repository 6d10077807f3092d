package record

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord(t *testing.T) {
	rec, err := New([]string{"id", "name", "note"}, []any{int64(1), "abc", nil})
	require.NoError(t, err)

	v, err := rec.Get("name")
	require.NoError(t, err)
	assert.Equal(t, "abc", v)

	v, err = rec.Get("note")
	require.NoError(t, err)
	assert.Nil(t, v, "NULL is a value, not a missing column")

	_, err = rec.Get("nope")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "nope")

	assert.Equal(t, "def", rec.GetOr("nope", "def"))
	assert.Equal(t, int64(1), rec.GetOr("id", int64(0)))
	assert.True(t, rec.Has("id"))
	assert.False(t, rec.Has("ID"))
	assert.Equal(t, 3, rec.Len())
	assert.Equal(t, []string{"id", "name", "note"}, rec.Keys())
	assert.Equal(t, []any{int64(1), "abc", nil}, rec.Values())
	assert.Equal(t, []Item{{"id", int64(1)}, {"name", "abc"}, {"note", nil}}, rec.Items())
	assert.Equal(t, map[string]any{"id": int64(1), "name": "abc", "note": nil}, rec.Map())
	assert.Equal(t, "{id: 1, name: abc, note: <nil>}", rec.String())

	keys := rec.Keys()
	keys[0] = "changed"
	assert.Equal(t, "id", rec.Keys()[0], "keys returned as a copy")
}

func TestRecord_New(t *testing.T) {
	_, err := New([]string{"a", "b"}, []any{1})
	require.Error(t, err)

	rec, err := New([]string{"id", "id"}, []any{1, 2})
	require.NoError(t, err)
	v, err := rec.Get("id")
	require.NoError(t, err)
	assert.Equal(t, 1, v, "first duplicate column wins")
	assert.Equal(t, 2, rec.Len())

	rec = FromMap(map[string]any{"b": 2, "a": 1, "c": 3})
	assert.Equal(t, []string{"a", "b", "c"}, rec.Keys())
	assert.Equal(t, []any{1, 2, 3}, rec.Values())
}

func TestRecord_ReadOnly(t *testing.T) {
	rec := FromMap(map[string]any{"id": 1})
	require.ErrorIs(t, rec.Update("t"), ErrReadOnly)
	require.ErrorIs(t, rec.Insert("t"), ErrReadOnly)
	assert.Equal(t, map[string]any{"id": 1}, rec.Map())
}

func TestAs(t *testing.T) {
	ts := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	rec := FromMap(map[string]any{
		"int": int64(42), "float": 1.5, "text": "hello", "bytes": []byte("42"), "null": nil,
		"ts": ts, "ts_text": "2024-05-06 07:08:09", "flag": int64(1), "big": int64(1000),
	})

	n, err := As[int](rec, "int")
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	n, err = As[int](rec, "bytes")
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	f, err := As[float64](rec, "int")
	require.NoError(t, err)
	assert.InDelta(t, 42.0, f, 0.0001)

	s, err := As[string](rec, "bytes")
	require.NoError(t, err)
	assert.Equal(t, "42", s)

	s, err = As[string](rec, "int")
	require.NoError(t, err)
	assert.Equal(t, "42", s)

	b, err := As[bool](rec, "flag")
	require.NoError(t, err)
	assert.True(t, b)

	tm, err := As[time.Time](rec, "ts")
	require.NoError(t, err)
	assert.Equal(t, ts, tm)

	tm, err = As[time.Time](rec, "ts_text")
	require.NoError(t, err)
	assert.True(t, ts.Equal(tm))

	p, err := As[*string](rec, "null")
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = As[*string](rec, "text")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "hello", *p)

	ns, err := As[sql.NullString](rec, "null")
	require.NoError(t, err)
	assert.False(t, ns.Valid)

	_, err = As[int8](rec, "big")
	require.Error(t, err, "overflow")

	_, err = As[int](rec, "text")
	require.Error(t, err)

	_, err = As[int](rec, "float")
	require.Error(t, err, "1.5 is not an integer")

	_, err = As[int](rec, "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

type user struct {
	ID      int64      `db:"id"`
	Name    string     `db:"name"`
	Email   *string    `db:"email"`
	Created time.Time  `db:"created"`
	Skip    string     `db:"-"`
	NoTag   string
	Audit
}

type Audit struct {
	By string `db:"updated_by"`
}

func TestRecord_Scan(t *testing.T) {
	rec := FromMap(map[string]any{
		"id": int64(7), "name": []byte("joe"), "email": nil, "created": "2024-01-02",
		"updated_by": "admin", "extra": 1,
	})

	u := user{Skip: "keep", NoTag: "keep"}
	require.NoError(t, rec.Scan(&u))
	assert.Equal(t, int64(7), u.ID)
	assert.Equal(t, "joe", u.Name)
	assert.Nil(t, u.Email)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), u.Created)
	assert.Equal(t, "keep", u.Skip)
	assert.Equal(t, "keep", u.NoTag)
	assert.Equal(t, "admin", u.By)

	require.Error(t, rec.Scan(u), "non-pointer")
	var m map[string]any
	require.Error(t, rec.Scan(&m), "not a struct")

	bad := FromMap(map[string]any{"id": "not a number"})
	err := bad.Scan(&u)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ID")
}

func TestStructMap(t *testing.T) {
	email := "a@example.com"
	res, err := StructMap(&user{ID: 1, Name: "joe", Email: &email, Skip: "x", NoTag: "y", Audit: Audit{By: "me"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": int64(1), "name": "joe", "email": email, "created": time.Time{}, "updated_by": "me"}, res)

	_, err = StructMap(map[string]any{})
	require.Error(t, err)

	var nilUser *user
	_, err = StructMap(nilUser)
	require.Error(t, err)
}
