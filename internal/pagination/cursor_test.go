package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/safetrade/internal/faults"
)

func TestKey_EncodeDecode(t *testing.T) {
	at := time.Date(2026, 2, 15, 10, 30, 0, 123, time.FixedZone("EST", -5*3600))
	k, err := Decode(Key{At: at, ID: "esc_abc123"}.Encode())
	require.NoError(t, err)
	require.NotNil(t, k)
	assert.True(t, k.At.Equal(at))
	assert.Equal(t, "esc_abc123", k.ID)
}

func TestDecode(t *testing.T) {
	k, err := Decode("")
	require.NoError(t, err)
	assert.Nil(t, k)

	for _, bad := range []string{
		"not-base64!!!",
		base64.RawURLEncoding.EncodeToString([]byte("nopipe")),
		base64.RawURLEncoding.EncodeToString([]byte(`{"t":"2026-01-01T00:00:00Z"}`)),
	} {
		_, err := Decode(bad)
		assert.ErrorIs(t, err, faults.ErrInvalidInput, bad)
	}
}

type row struct {
	id string
	at time.Time
}

func rowKey(r row) (time.Time, string) { return r.at, r.id }

func TestPaginate_WalksNewestFirst(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	items := []row{
		{"ord_e", base.Add(4 * time.Hour)},
		{"ord_d", base.Add(3 * time.Hour)},
		{"ord_c", base.Add(2 * time.Hour)},
		{"ord_b", base.Add(2 * time.Hour)},
		{"ord_a", base},
	}

	var seen []row
	cursor := ""
	pages := 0
	for {
		page, err := Paginate(items, cursor, 2, rowKey)
		require.NoError(t, err)
		seen = append(seen, page.Items...)
		pages++
		if !page.HasMore {
			assert.Empty(t, page.NextCursor)
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, 3, pages)
	assert.Equal(t, items, seen)
}

func TestPaginate_ExactLimitHasNoMore(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	items := []row{{"b", base.Add(time.Hour)}, {"a", base}}

	page, err := Paginate(items, "", 2, rowKey)
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.False(t, page.HasMore)
}

func TestPaginate_CursorPastEnd(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	items := []row{{"b", base.Add(time.Hour)}, {"a", base}}

	page, err := Paginate(items, Key{At: base.Add(-time.Hour), ID: "z"}.Encode(), 10, rowKey)
	require.NoError(t, err)
	assert.NotNil(t, page.Items)
	assert.Empty(t, page.Items)
}

func TestPaginate_EmptyAndInvalid(t *testing.T) {
	page, err := Paginate([]row(nil), "", 10, rowKey)
	require.NoError(t, err)
	assert.NotNil(t, page.Items)
	assert.Empty(t, page.Items)

	_, err = Paginate([]row(nil), "%%%", 10, rowKey)
	assert.Error(t, err)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ClampLimit(0))
	assert.Equal(t, DefaultLimit, ClampLimit(-3))
	assert.Equal(t, 7, ClampLimit(7))
	assert.Equal(t, MaxLimit, ClampLimit(10_000))
}
