package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 10, 14, 5, 0, 0, time.UTC)

	cursor, err := Decode(Encode(ts, "ord_7f3a"))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, "ord_7f3a", cursor.ID)
}

func TestDecodeEmptyMeansFirstPage(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode("not-base64!!!")
	assert.Error(t, err)

	// Valid base64 but no separator.
	_, err = Decode("bm9waXBl")
	assert.Error(t, err)

	// Separator present but the timestamp is not numeric.
	_, err = Decode("eHx5") // "x|y"
	assert.Error(t, err)
}

func TestComputePageUnderLimit(t *testing.T) {
	items := []string{"ord_1", "ord_2", "ord_3"}
	page, cursor, hasMore := ComputePage(items, 5, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Len(t, page, 3)
	assert.Empty(t, cursor)
	assert.False(t, hasMore)
}

func TestComputePageOverfetched(t *testing.T) {
	items := []string{"ord_1", "ord_2", "ord_3", "ord_4"}
	page, cursor, hasMore := ComputePage(items, 3, func(s string) (time.Time, string) {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), s
	})
	assert.Len(t, page, 3)
	assert.True(t, hasMore)

	c, err := Decode(cursor)
	require.NoError(t, err)
	assert.Equal(t, "ord_3", c.ID)
}

func TestComputePageExactLimit(t *testing.T) {
	items := []string{"ord_1", "ord_2", "ord_3"}
	page, cursor, hasMore := ComputePage(items, 3, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Len(t, page, 3)
	assert.Empty(t, cursor)
	assert.False(t, hasMore)
}
