package fetch

import (
	"net/url"
	"sort"
	"strings"
)

// cdnBlacklist lists host substrings of mirrors that are penalised and
// skipped while any clean mirror remains: P2P CDN edges and other hosts
// that throttle or drop ranged transfers.
var cdnBlacklist = []string{
	"mcdn",
	"szbdyd",
	"cn-gotcha",
	"pcdn",
	"bilivideo.cn",
	"mountaintoys",
}

// blacklistedRank is the sort rank assigned to a blacklisted mirror.
const blacklistedRank = -10

// Mirror is one ranked candidate URL for a remote resource.
type Mirror struct {
	URL  string
	Host string
	Rank int
}

// Blacklisted reports whether the mirror's host matches the CDN blacklist.
func (m *Mirror) Blacklisted() bool {
	return m.Rank <= blacklistedRank
}

// RankMirrors parses and ranks a raw URL list. Clean mirrors keep rank 0 and
// their original order; blacklisted hosts sink to rank -10.
func RankMirrors(urls []string) []Mirror {
	mirrors := make([]Mirror, 0, len(urls))
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			continue
		}
		m := Mirror{URL: raw, Host: u.Host}
		for _, bad := range cdnBlacklist {
			if strings.Contains(u.Host, bad) {
				m.Rank = blacklistedRank
				break
			}
		}
		mirrors = append(mirrors, m)
	}
	sort.SliceStable(mirrors, func(i, j int) bool {
		return mirrors[i].Rank > mirrors[j].Rank
	})
	return mirrors
}

// SelectionCriteria narrows which mirrors a strategy may pick.
type SelectionCriteria struct {
	// Exclude holds hosts that already failed during this fetch and must
	// not be picked again.
	Exclude map[string]bool

	// AllowBlacklisted permits picking a blacklisted mirror. Set only when
	// every clean mirror has been exhausted.
	AllowBlacklisted bool
}

// MirrorStrategy chooses the next mirror to try from the ranked candidates.
type MirrorStrategy interface {
	// Select returns the best remaining mirror, or nil if none qualifies.
	Select(mirrors []Mirror, criteria SelectionCriteria) *Mirror

	// Name returns the strategy name for logging.
	Name() string
}

// RankedStrategy picks the first non-excluded mirror in rank order,
// skipping blacklisted hosts until the criteria explicitly allow them.
type RankedStrategy struct{}

// Select implements MirrorStrategy.
func (RankedStrategy) Select(mirrors []Mirror, criteria SelectionCriteria) *Mirror {
	for i := range mirrors {
		m := &mirrors[i]
		if criteria.Exclude[m.Host] {
			continue
		}
		if m.Blacklisted() && !criteria.AllowBlacklisted {
			continue
		}
		return m
	}
	return nil
}

// Name implements MirrorStrategy.
func (RankedStrategy) Name() string { return "ranked" }
