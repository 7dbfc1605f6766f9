// Package client provides the API client for interacting with the mirror API
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	fiber "github.com/gofiber/fiber/v2"

	"github.com/dcmirror/dcmirror/internal/db/models"
	"github.com/dcmirror/dcmirror/internal/services"
	"github.com/dcmirror/dcmirror/pkg/api/v1/handlers"
	"github.com/dcmirror/dcmirror/pkg/api/v1/routes"
)

// DefaultTimeout is the default timeout for API requests
const DefaultTimeout = 30 * time.Second

// Client is the interface for API client
type Client interface {
	// Health Check
	HealthCheck(ctx context.Context) (map[string]string, error)

	// Sync Endpoints
	SyncStatus(ctx context.Context, product models.ProductType) (map[models.SyncStage]*services.JobSnapshot, error)
	SyncAction(ctx context.Context, routeName string, product models.ProductType) error
	ProcessDownloadBatch(ctx context.Context, routeName string, product models.ProductType, batch int) error

	// Plugin Endpoints
	GetPlugins(ctx context.Context, product models.ProductType, opts *models.ListOptions) ([]models.Plugin, int64, error)
	GetPlugin(ctx context.Context, product models.ProductType, addonKey string) (*models.Plugin, error)
	ResyncPlugin(ctx context.Context, product models.ProductType, addonKey string) error
}

var _ Client = &APIClient{}

// Options contains configuration options for the API client
type Options struct {
	// BaseURL is the base URL of the API
	BaseURL string

	// Timeout is the request timeout
	Timeout time.Duration
}

// DefaultOptions returns the default client options
func DefaultOptions() *Options {
	return &Options{
		BaseURL: routes.DefaultBaseURL,
		Timeout: DefaultTimeout,
	}
}

// APIClient implements the Client interface
type APIClient struct {
	baseURL string
	timeout time.Duration
}

// NewClient creates a new API client with the given options
func NewClient(opts *Options) (Client, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	return &APIClient{
		baseURL: opts.BaseURL,
		timeout: opts.Timeout,
	}, nil
}

// createAgent creates a new Fiber Agent for the given method and endpoint
func (c *APIClient) createAgent(ctx context.Context, method, endpoint string) (*fiber.Agent, error) {
	fullURL := c.baseURL + endpoint

	var agent *fiber.Agent
	switch method {
	case http.MethodGet:
		agent = fiber.Get(fullURL)
	case http.MethodPost:
		agent = fiber.Post(fullURL)
	default:
		return nil, fmt.Errorf("unsupported HTTP method: %s", method)
	}

	if deadline, ok := ctx.Deadline(); ok {
		agent.Timeout(time.Until(deadline))
	} else {
		agent.Timeout(c.timeout)
	}

	agent.Set("Accept", "application/json")
	return agent, nil
}

// executeRequest sends the request and decodes the response envelope's data
// field into out.
func (c *APIClient) executeRequest(ctx context.Context, method, endpoint string, out interface{}) error {
	agent, err := c.createAgent(ctx, method, endpoint)
	if err != nil {
		return err
	}

	statusCode, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("error sending request: %w", errs[0])
	}

	var envelope handlers.Response
	if len(body) > 0 {
		if err := json.Unmarshal(body, &envelope); err != nil {
			return fmt.Errorf("error decoding response: %w", err)
		}
	}

	if statusCode < 200 || statusCode >= 300 {
		message := envelope.Error
		if message == "" {
			message = string(body)
		}
		return &fiber.Error{Code: statusCode, Message: message}
	}

	if out != nil && envelope.Data != nil {
		raw, err := json.Marshal(envelope.Data)
		if err != nil {
			return fmt.Errorf("error re-encoding response data: %w", err)
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("error decoding response data: %w", err)
		}
	}
	return nil
}

func productQuery(product models.ProductType) url.Values {
	return url.Values{"product": {string(product)}}
}

// HealthCheck checks the API server's health
func (c *APIClient) HealthCheck(ctx context.Context) (map[string]string, error) {
	agent, err := c.createAgent(ctx, http.MethodGet, routes.HealthCheckURL())
	if err != nil {
		return nil, err
	}
	statusCode, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return nil, fmt.Errorf("error sending request: %w", errs[0])
	}
	if statusCode != http.StatusOK {
		return nil, &fiber.Error{Code: statusCode, Message: string(body)}
	}
	var out map[string]string
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}
	return out, nil
}

// SyncStatus returns the job snapshot for every stage of a product
func (c *APIClient) SyncStatus(ctx context.Context, product models.ProductType) (map[models.SyncStage]*services.JobSnapshot, error) {
	var out struct {
		Product models.ProductType                         `json:"product"`
		Stages  map[models.SyncStage]*services.JobSnapshot `json:"stages"`
	}
	endpoint := routes.SyncStatusURL(productQuery(product))
	if err := c.executeRequest(ctx, http.MethodGet, endpoint, &out); err != nil {
		return nil, err
	}
	return out.Stages, nil
}

// SyncAction invokes one of the named sync control routes (start, pause,
// resume, restart, cancel-auto-start, batch start/continue).
func (c *APIClient) SyncAction(ctx context.Context, routeName string, product models.ProductType) error {
	endpoint := routes.SyncActionURL(routeName, productQuery(product))
	if endpoint == "" {
		return fmt.Errorf("unknown sync action: %s", routeName)
	}
	return c.executeRequest(ctx, http.MethodPost, endpoint, nil)
}

// ProcessDownloadBatch invokes a stage's synchronous batch download endpoint
func (c *APIClient) ProcessDownloadBatch(ctx context.Context, routeName string, product models.ProductType, batch int) error {
	endpoint := routes.DownloadBatchURL(routeName, strconv.Itoa(batch), productQuery(product))
	if endpoint == "" {
		return fmt.Errorf("unknown batch route: %s", routeName)
	}
	return c.executeRequest(ctx, http.MethodPost, endpoint, nil)
}

// GetPlugins returns a page of mirrored plugins and the total count
func (c *APIClient) GetPlugins(ctx context.Context, product models.ProductType, opts *models.ListOptions) ([]models.Plugin, int64, error) {
	query := productQuery(product)
	if opts != nil {
		query.Set("limit", strconv.Itoa(opts.Limit))
		query.Set("offset", strconv.Itoa(opts.Offset))
	}

	var out struct {
		Plugins []models.Plugin `json:"plugins"`
		Total   int64           `json:"total"`
	}
	endpoint := routes.GetPluginsURL(query)
	if err := c.executeRequest(ctx, http.MethodGet, endpoint, &out); err != nil {
		return nil, 0, err
	}
	return out.Plugins, out.Total, nil
}

// GetPlugin returns one mirrored plugin by addon key
func (c *APIClient) GetPlugin(ctx context.Context, product models.ProductType, addonKey string) (*models.Plugin, error) {
	var out models.Plugin
	endpoint := routes.GetPluginURL(addonKey, productQuery(product))
	if err := c.executeRequest(ctx, http.MethodGet, endpoint, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResyncPlugin refreshes one plugin's metadata from the upstream marketplace
func (c *APIClient) ResyncPlugin(ctx context.Context, product models.ProductType, addonKey string) error {
	endpoint := routes.ResyncPluginURL(addonKey, productQuery(product))
	return c.executeRequest(ctx, http.MethodPost, endpoint, nil)
}
