// Package marketplace is the typed, rate-aware client for the upstream
// plugin marketplace REST API.
package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/dcmirror/dcmirror/internal/db/models"
	"github.com/dcmirror/dcmirror/internal/logger"
	"github.com/dcmirror/dcmirror/internal/retry"
)

const (
	userAgent = "dcmirror/1.0"
	// maxVersionPageSize is the largest page the versions endpoint allows
	maxVersionPageSize = 50
)

// Config holds client construction options
type Config struct {
	BaseURL           string
	ProductType       models.ProductType
	MaxRetries        int
	RetryDelay        time.Duration
	RequestTimeout    time.Duration
	RequestsPerSecond float64
}

// Client talks to the upstream marketplace for one product family. It holds
// no state beyond its configuration; every operation is wrapped in the retry
// policy and paced by a shared rate limiter.
type Client struct {
	http *http.Client
	// download has no overall timeout so large artifact bodies can stream
	// as long as they need; context cancellation still applies
	download    *http.Client
	baseURL     string
	productType models.ProductType
	limiter     *rate.Limiter
	maxRetries  int
	retryDelay  time.Duration
	log         *logrus.Entry
}

// NewClient creates a marketplace client for the given product family
func NewClient(cfg Config) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		TLSHandshakeTimeout: 15 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
	}
	return &Client{
		http:        &http.Client{Timeout: cfg.RequestTimeout, Transport: transport},
		download:    &http.Client{Transport: transport},
		baseURL:     cfg.BaseURL,
		productType: cfg.ProductType,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		maxRetries:  cfg.MaxRetries,
		retryDelay:  cfg.RetryDelay,
		log:         logger.Component("MarketplaceClient").WithField("product", cfg.ProductType),
	}
}

// BaseURL returns the configured upstream base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) retryOpts(op string, fields logrus.Fields) retry.Options {
	return retry.Options{
		MaxRetries: c.maxRetries,
		Delay:      c.retryDelay,
		OnRetry: func(err error, attempt int) {
			c.log.WithFields(fields).WithFields(logrus.Fields{
				"attempt":    attempt,
				"maxRetries": c.maxRetries,
				"error":      err.Error(),
			}).Warnf("Retrying %s", op)
		},
	}
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("marketplace returned %d for %s: %s", resp.StatusCode, path, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response for %s: %w", path, err)
	}
	return nil
}

// FetchAddons returns one page of the Data-Center addon catalog for the
// client's product family, along with the server-reported total count.
func (c *Client) FetchAddons(ctx context.Context, limit, offset int) (*ListResponse, error) {
	query := url.Values{
		"application": {c.productType.Application()},
		"hosting":     {"datacenter"},
		"limit":       {strconv.Itoa(limit)},
		"offset":      {strconv.Itoa(offset)},
	}

	return retry.Do(ctx, func() (*ListResponse, error) {
		var out ListResponse
		if err := c.getJSON(ctx, "/rest/2/addons", query, &out); err != nil {
			return nil, err
		}
		c.log.WithFields(logrus.Fields{
			"offset":   offset,
			"limit":    limit,
			"returned": len(out.Embedded.Addons),
			"total":    out.Total(),
		}).Info("Fetched addons page")
		return &out, nil
	}, c.retryOpts("fetchAddons", logrus.Fields{"offset": offset}))
}

// FetchAddon returns a single addon by key. After retries are exhausted it
// returns (nil, nil) so callers can distinguish "not found or unreachable"
// from transient failures they should propagate.
func (c *Client) FetchAddon(ctx context.Context, addonKey string) (*Addon, error) {
	addon, err := retry.Do(ctx, func() (*Addon, error) {
		var out Addon
		if err := c.getJSON(ctx, "/rest/2/addons/"+url.PathEscape(addonKey), nil, &out); err != nil {
			return nil, err
		}
		return &out, nil
	}, c.retryOpts("fetchAddon", logrus.Fields{"addonKey": addonKey}))
	if err != nil {
		c.log.WithField("addonKey", addonKey).WithError(err).Error("Failed to fetch addon after all retries")
		return nil, nil
	}
	return addon, nil
}

// FetchAddonVersions returns up to maxVersions of the addon's Data-Center
// versions, paging internally until the bound is reached or no next page
// exists.
func (c *Client) FetchAddonVersions(ctx context.Context, addonKey string, maxVersions int) ([]Version, error) {
	var all []Version
	offset := 0

	for len(all) < maxVersions {
		limit := maxVersionPageSize
		if remaining := maxVersions - len(all); remaining < limit {
			limit = remaining
		}
		query := url.Values{
			"hosting": {"datacenter"},
			"limit":   {strconv.Itoa(limit)},
			"offset":  {strconv.Itoa(offset)},
		}

		page, err := retry.Do(ctx, func() (*VersionsResponse, error) {
			var out VersionsResponse
			if err := c.getJSON(ctx, "/rest/2/addons/"+url.PathEscape(addonKey)+"/versions", query, &out); err != nil {
				return nil, err
			}
			return &out, nil
		}, c.retryOpts("fetchAddonVersions", logrus.Fields{"addonKey": addonKey, "offset": offset}))
		if err != nil {
			return nil, err
		}

		all = append(all, page.Embedded.Versions...)
		offset += len(page.Embedded.Versions)

		if page.Links.Next == nil || len(page.Embedded.Versions) < limit {
			break
		}
	}

	if len(all) > maxVersions {
		all = all[:maxVersions]
	}
	c.log.WithFields(logrus.Fields{
		"addonKey": addonKey,
		"versions": len(all),
		"bound":    maxVersions,
	}).Debug("Fetched addon versions")
	return all, nil
}

// FetchVersionDetails returns the full version detail for a build number,
// with the same nil-on-exhaustion contract as FetchAddon.
func (c *Client) FetchVersionDetails(ctx context.Context, addonKey, buildNumber string) (*Version, error) {
	version, err := retry.Do(ctx, func() (*Version, error) {
		var out Version
		path := "/rest/2/addons/" + url.PathEscape(addonKey) + "/versions/build/" + buildNumber
		if err := c.getJSON(ctx, path, nil, &out); err != nil {
			return nil, err
		}
		return &out, nil
	}, c.retryOpts("fetchVersionDetails", logrus.Fields{"addonKey": addonKey, "build": buildNumber}))
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"addonKey": addonKey,
			"build":    buildNumber,
		}).WithError(err).Error("Failed to fetch version details after all retries")
		return nil, nil
	}
	return version, nil
}

// DownloadFile streams the artifact at rawURL to destPath, creating parent
// directories as needed. Each retry attempt re-issues the whole request and
// truncates any partial file from a failed attempt.
func (c *Client) DownloadFile(ctx context.Context, rawURL, destPath string) error {
	start := time.Now()

	err := retry.DoVoid(ctx, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return fmt.Errorf("failed to build download request: %w", err)
		}
		req.Header.Set("User-Agent", userAgent)

		resp, err := c.download.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 400 {
			return fmt.Errorf("download returned %d for %s", resp.StatusCode, rawURL)
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return fmt.Errorf("failed to create download directory: %w", err)
		}

		out, err := os.Create(destPath)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", destPath, err)
		}

		written, err := io.Copy(out, resp.Body)
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return fmt.Errorf("failed writing %s after %d bytes: %w", destPath, written, err)
		}

		c.log.WithFields(logrus.Fields{
			"url":      rawURL,
			"path":     destPath,
			"bytes":    written,
			"duration": time.Since(start).String(),
		}).Info("File download completed")
		return nil
	}, c.retryOpts("downloadFile", logrus.Fields{"url": rawURL}))
	if err != nil {
		return fmt.Errorf("download failed for %s: %w", rawURL, err)
	}
	return nil
}
