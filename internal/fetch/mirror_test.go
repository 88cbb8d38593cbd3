package fetch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRankMirrors(t *testing.T) {
	mirrors := RankMirrors([]string{
		"https://xy123.mcdn.bilivideo.cn/v.m4s",
		"https://upos-sz-mirror.example.com/v.m4s",
		"https://cn-gotcha01.example.net/v.m4s",
		"https://upos-hz-mirror.example.com/v.m4s",
		"://bad",
	})

	require.Len(t, mirrors, 4)
	// Clean mirrors first in original order, blacklisted sunk to the back.
	assert.Equal(t, "upos-sz-mirror.example.com", mirrors[0].Host)
	assert.Equal(t, "upos-hz-mirror.example.com", mirrors[1].Host)
	assert.True(t, mirrors[2].Blacklisted())
	assert.True(t, mirrors[3].Blacklisted())
}

func TestRankedStrategySkipsBlacklisted(t *testing.T) {
	mirrors := RankMirrors([]string{
		"https://pcdn.example.com/v.m4s",
		"https://upos.example.com/v.m4s",
	})
	s := RankedStrategy{}

	m := s.Select(mirrors, SelectionCriteria{})
	require.NotNil(t, m)
	assert.Equal(t, "upos.example.com", m.Host)

	// With the clean mirror excluded, a blacklisted host is only picked
	// once the criteria explicitly allow it.
	exclude := map[string]bool{"upos.example.com": true}
	assert.Nil(t, s.Select(mirrors, SelectionCriteria{Exclude: exclude}))

	m = s.Select(mirrors, SelectionCriteria{Exclude: exclude, AllowBlacklisted: true})
	require.NotNil(t, m)
	assert.Equal(t, "pcdn.example.com", m.Host)
}

func TestPartition(t *testing.T) {
	t.Run("even split with remainder", func(t *testing.T) {
		parts := partition("v.m4s", 10*1024*1024+3, 4, DefaultMinPartSize)
		require.Len(t, parts, 4)

		var total int64
		for i, p := range parts {
			assert.Equal(t, PartName("v.m4s", i), p.Name)
			total += p.Size
		}
		assert.Equal(t, int64(10*1024*1024+3), total)
		assert.Equal(t, parts[0].Size+parts[0].Offset, parts[1].Offset)
	})

	t.Run("thread count shrinks for small files", func(t *testing.T) {
		parts := partition("a.m4s", 300*1024, 4, DefaultMinPartSize)
		require.Len(t, parts, 1)
		assert.Equal(t, int64(300*1024), parts[0].Size)
	})
}

func TestParseContentRangeTotal(t *testing.T) {
	total, err := parseContentRangeTotal("bytes 0-0/5242880")
	require.NoError(t, err)
	assert.Equal(t, int64(5242880), total)

	_, err = parseContentRangeTotal("bytes 0-0/*")
	assert.Error(t, err)

	_, err = parseContentRangeTotal("")
	assert.Error(t, err)
}
