// Package wbi implements the Bilibili Wbi request-signing scheme (C1): deriving
// a time-rotating mixed key from two server-supplied halves and using it to
// MD5-sign API query strings.
package wbi

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bilimux/bilimux/internal/bilierrors"
	"github.com/bilimux/bilimux/internal/httpclient"
)

// mixinPerm maps each output position to an input position in imgKey+subKey.
// Fixed by the upstream signing scheme; never derived at runtime.
var mixinPerm = [64]int{
	46, 47, 18, 2, 53, 8, 23, 32, 15, 50, 10, 31, 58, 3, 45, 35,
	27, 43, 5, 49, 33, 9, 42, 19, 29, 28, 14, 39, 12, 38, 41, 13,
	37, 48, 7, 16, 24, 55, 40, 61, 26, 17, 0, 1, 60, 51, 30, 4,
	22, 25, 54, 21, 56, 59, 6, 63, 57, 62, 11, 36, 20, 34, 44, 52,
}

const navURL = "https://api.bilibili.com/x/web-interface/nav"

const keyMaxAge = 2 * time.Hour

// key is the cached mixin key plus the halves it was derived from.
type key struct {
	imgKey   string
	subKey   string
	mixinKey string
	mintedAt time.Time
}

func (k *key) expired(now time.Time) bool {
	return k.mintedAt.IsZero() || now.Sub(k.mintedAt) > keyMaxAge
}

// navResponse mirrors the subset of the nav envelope this signer needs.
type navResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		WbiImg struct {
			ImgURL string `json:"img_url"`
			SubURL string `json:"sub_url"`
		} `json:"wbi_img"`
	} `json:"data"`
}

// Signer signs API query strings with the current Wbi mixin key, refreshing
// it from the nav endpoint at most once every 2 hours (or on demand after an
// auth-related failure).
type Signer struct {
	// NavURL overrides the key-source endpoint, mainly for tests.
	NavURL string

	client *httpclient.Client

	mu  sync.Mutex
	key key
}

// New constructs a Signer using the given resilient HTTP client.
func New(client *httpclient.Client) *Signer {
	return &Signer{NavURL: navURL, client: client}
}

// Sign returns the query string with w_rid and wts appended, computed against
// the current (possibly freshly refreshed) mixin key.
func (s *Signer) Sign(ctx context.Context, query url.Values) (string, error) {
	mixinKey, err := s.mixinKey(ctx, time.Now())
	if err != nil {
		return "", err
	}

	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	wts := strconv.FormatInt(time.Now().Unix(), 10)
	q.Set("wts", wts)

	encoded := encodeSorted(q)
	return encoded + "&w_rid=" + ComputeWRid(encoded, mixinKey), nil
}

// ComputeWRid hashes an already-encoded, sorted query string suffixed with the
// mixin key, returning the lowercase 32-hex-digit signature.
func ComputeWRid(encodedQuery, mixinKey string) string {
	sum := md5.Sum([]byte(encodedQuery + mixinKey))
	return hex.EncodeToString(sum[:])
}

// MixinKey derives the 32-byte mixin key from the raw imgKey/subKey halves.
// Exposed directly so callers (and tests) can reproduce the golden vector
// without going through the cache/refresh machinery.
func MixinKey(imgKey, subKey string) string {
	return permute(imgKey+subKey, mixinPerm)
}

// InvalidateKey forces the next Sign call to refresh the mixin key, used when
// the caller's last signed request came back with an auth-related error.
func (s *Signer) InvalidateKey() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = key{}
}

func (s *Signer) mixinKey(ctx context.Context, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.key.expired(now) {
		return s.key.mixinKey, nil
	}

	imgKey, subKey, err := s.fetchHalves(ctx)
	if err != nil {
		return "", err
	}

	mixin := permute(imgKey+subKey, mixinPerm)
	s.key = key{imgKey: imgKey, subKey: subKey, mixinKey: mixin, mintedAt: now}
	return mixin, nil
}

func (s *Signer) fetchHalves(ctx context.Context) (imgKey, subKey string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.NavURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("building nav request: %w", err)
	}

	resp, err := s.client.DoWithContext(ctx, req)
	if err != nil {
		return "", "", bilierrors.Wrap(bilierrors.KindNetwork, "fetching wbi key", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", bilierrors.Wrap(bilierrors.KindNetwork, "reading nav response", err)
	}

	var nav navResponse
	if err := json.Unmarshal(body, &nav); err != nil {
		return "", "", bilierrors.Wrap(bilierrors.KindNetwork, "parsing nav response", err)
	}

	// Both 0 and -101 (not-logged-in) still carry a usable wbi_img block.
	if nav.Code != 0 && nav.Code != -101 {
		return "", "", bilierrors.New(bilierrors.KindAPIOther, nav.Message).WithCode(nav.Code)
	}
	if nav.Data.WbiImg.ImgURL == "" || nav.Data.WbiImg.SubURL == "" {
		return "", "", bilierrors.New(bilierrors.KindFatal, "wbi_img missing from nav response")
	}

	return basename(nav.Data.WbiImg.ImgURL), basename(nav.Data.WbiImg.SubURL), nil
}

// basename returns the final path component of a URL with its extension stripped.
func basename(rawURL string) string {
	u, err := url.Parse(rawURL)
	name := rawURL
	if err == nil {
		name = u.Path
	}
	base := path.Base(name)
	return strings.TrimSuffix(base, path.Ext(base))
}

// permute builds the 32-byte mixin key from the 64-character combined halves.
func permute(combined string, perm [64]int) string {
	var b strings.Builder
	b.Grow(32)
	for i := 0; i < 32; i++ {
		idx := perm[i]
		if idx < len(combined) {
			b.WriteByte(combined[idx])
		}
	}
	return b.String()
}

// encodeSorted joins query parameters sorted by key, matching the canonical
// form the upstream service expects before the w_rid suffix is computed.
func encodeSorted(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(q.Get(k)))
	}
	return b.String()
}
