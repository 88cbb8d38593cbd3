// Package biliapi implements the upstream metadata and playurl API client:
// Wbi-signed requests, the {code,message,data|result} envelope, and the DASH
// stream manifest the pipeline consumes.
package biliapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/bilimux/bilimux/internal/bilierrors"
	"github.com/bilimux/bilimux/internal/httpclient"
	"github.com/bilimux/bilimux/internal/wbi"
)

// Default API endpoints.
const (
	DefaultViewURL       = "https://api.bilibili.com/x/web-interface/view"
	DefaultSeasonURL     = "https://api.bilibili.com/pgc/view/web/season"
	DefaultPlayurlURL    = "https://api.bilibili.com/x/player/wbi/playurl"
	DefaultPGCPlayurlURL = "https://api.bilibili.com/pgc/player/web/playurl"
)

// Manifest request constants: fnval=4048 selects the full DASH feature set,
// qn=127 asks for the highest quality the account is entitled to.
const (
	fnvalDash  = 4048
	qnHighest  = 127
	paramBVID  = "bvid"
	paramCID   = "cid"
	paramEpID  = "ep_id"
	paramFnval = "fnval"
	paramQn    = "qn"
)

// Client calls the upstream view/season/playurl endpoints with Wbi-signed
// queries and unwraps the response envelope.
type Client struct {
	// ViewURL, SeasonURL, PlayurlURL, PGCPlayurlURL override the default
	// endpoints, mainly for tests.
	ViewURL       string
	SeasonURL     string
	PlayurlURL    string
	PGCPlayurlURL string

	http   *httpclient.Client
	signer *wbi.Signer
	logger *slog.Logger
}

// New creates a Client using the given resilient HTTP client and signer.
func New(hc *httpclient.Client, signer *wbi.Signer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		ViewURL:       DefaultViewURL,
		SeasonURL:     DefaultSeasonURL,
		PlayurlURL:    DefaultPlayurlURL,
		PGCPlayurlURL: DefaultPGCPlayurlURL,
		http:          hc,
		signer:        signer,
		logger:        logger,
	}
}

// GetView fetches metadata for a UGC video by bvid.
func (c *Client) GetView(ctx context.Context, bvid string) (*View, error) {
	q := url.Values{}
	q.Set(paramBVID, bvid)

	payload, err := c.get(ctx, c.ViewURL, q)
	if err != nil {
		return nil, err
	}

	var view View
	if err := json.Unmarshal(payload, &view); err != nil {
		return nil, bilierrors.Wrap(bilierrors.KindNetwork, "parsing view response", err)
	}
	return &view, nil
}

// PlayurlRequest identifies the stream manifest to fetch. EpID selects the
// PGC endpoint; otherwise bvid+cid select the UGC one.
type PlayurlRequest struct {
	BVID string
	CID  int64
	EpID int64
}

// GetPlayurl fetches the DASH manifest for a playback identifier. An
// envelope with code 0 but no dash block means the caller's account lacks
// the entitlement (paywall), surfaced as an auth error.
func (c *Client) GetPlayurl(ctx context.Context, req PlayurlRequest) (*Dash, error) {
	q := url.Values{}
	q.Set(paramFnval, strconv.Itoa(fnvalDash))
	q.Set(paramQn, strconv.Itoa(qnHighest))

	endpoint := c.PlayurlURL
	if req.EpID != 0 {
		endpoint = c.PGCPlayurlURL
		q.Set(paramEpID, strconv.FormatInt(req.EpID, 10))
	} else {
		q.Set(paramBVID, req.BVID)
		q.Set(paramCID, strconv.FormatInt(req.CID, 10))
	}

	payload, err := c.get(ctx, endpoint, q)
	if err != nil {
		return nil, err
	}

	var data playurlData
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, bilierrors.Wrap(bilierrors.KindNetwork, "parsing playurl response", err)
	}
	if data.Dash == nil {
		// code==0 with no dash block is the paywall shape; the session's key
		// may also be stale, so invalidate it before the caller retries.
		c.signer.InvalidateKey()
		return nil, bilierrors.New(bilierrors.KindAPIAuth, "user permission insufficient")
	}
	return data.Dash, nil
}

// get signs the query, performs the request, and unwraps the envelope.
func (c *Client) get(ctx context.Context, endpoint string, q url.Values) (json.RawMessage, error) {
	signed, err := c.signer.Sign(ctx, q)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+signed, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Referer", "https://www.bilibili.com/")

	resp, err := c.http.DoWithContext(ctx, req)
	if err != nil {
		return nil, bilierrors.Wrap(bilierrors.KindNetwork, "fetching "+endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, bilierrors.Wrap(bilierrors.KindNetwork, "reading response", err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, bilierrors.Wrap(bilierrors.KindNetwork, "parsing response envelope", err)
	}
	if env.Code != 0 {
		c.logger.Warn("upstream api error",
			slog.String("endpoint", endpoint),
			slog.Int("code", env.Code),
			slog.String("message", env.Message),
		)
		return nil, bilierrors.New(bilierrors.KindAPIOther, env.Message).WithCode(env.Code)
	}
	return env.payload(), nil
}
