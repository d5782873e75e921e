package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/google/uuid"
	"github.com/kaytu-io/kaytu-marketplace/pkg/httpclient"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/config"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/service"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL    = "https://marketplaceapi.microsoft.com/api"
	DefaultAPIVersion = "2018-08-31"
	DefaultScope      = "20e940b3-4c77-4b0b-9a53-9e16a1b010a7/.default"
)

type activateRequest struct {
	PlanID   string `json:"planId"`
	Quantity int    `json:"quantity,omitempty"`
}

type operationResponse struct {
	Status string `json:"status"`
}

// SaaSClient calls the SaaS fulfillment api of the marketplace.
type SaaSClient struct {
	logger     *zap.Logger
	cred       azcore.TokenCredential
	httpClient *http.Client
	baseURL    string
	apiVersion string
	scope      string
}

func NewSaaSClient(logger *zap.Logger, cfg config.Marketplace, cred azcore.TokenCredential, httpClient *http.Client) *SaaSClient {
	c := &SaaSClient{
		logger:     logger.Named("marketplace"),
		cred:       cred,
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiVersion: cfg.APIVersion,
		scope:      cfg.Scope,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.apiVersion == "" {
		c.apiVersion = DefaultAPIVersion
	}
	if c.scope == "" {
		c.scope = DefaultScope
	}
	if c.httpClient == nil {
		c.httpClient = httpclient.NewClient(15 * time.Second)
	}
	return c
}

func (c *SaaSClient) headers(ctx context.Context) (map[string]string, error) {
	token, err := c.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{c.scope}})
	if err != nil {
		return nil, service.NewRetryableError(fmt.Errorf("get marketplace token: %w", err), "")
	}
	return map[string]string{
		"authorization":      "Bearer " + token.Token,
		"x-ms-requestid":     uuid.NewString(),
		"x-ms-correlationid": uuid.NewString(),
	}, nil
}

func (c *SaaSClient) url(path string) string {
	return fmt.Sprintf("%s%s?api-version=%s", c.baseURL, path, url.QueryEscape(c.apiVersion))
}

func (c *SaaSClient) ActivateFulfillment(ctx context.Context, subscriptionID uuid.UUID, planID string, quantity int) (*service.ActivationResult, error) {
	headers, err := c.headers(ctx)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(activateRequest{PlanID: planID, Quantity: quantity})
	if err != nil {
		return nil, err
	}

	u := c.url(fmt.Sprintf("/saas/subscriptions/%s/activate", subscriptionID))
	if statusCode, err := httpclient.DoRequest(ctx, c.httpClient, http.MethodPost, u, headers, body, nil); err != nil {
		return nil, classify(fmt.Errorf("activate subscription %s: %w", subscriptionID, err), statusCode)
	}

	c.logger.Info("fulfillment activated",
		zap.String("subscription_id", subscriptionID.String()),
		zap.String("plan", planID),
		zap.Int("quantity", quantity))
	return &service.ActivationResult{PlanID: planID, Quantity: quantity}, nil
}

func (c *SaaSClient) UpdateFulfillmentOperation(ctx context.Context, subscriptionID uuid.UUID, operationID string, update service.OperationUpdate) (*service.OperationResult, error) {
	if operationID == "" {
		return nil, service.NewFatalError(fmt.Errorf("subscription %s has no pending operation", subscriptionID))
	}

	headers, err := c.headers(ctx)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(update)
	if err != nil {
		return nil, err
	}

	var res operationResponse
	u := c.url(fmt.Sprintf("/saas/subscriptions/%s/operations/%s", subscriptionID, url.PathEscape(operationID)))
	if statusCode, err := httpclient.DoRequest(ctx, c.httpClient, http.MethodPatch, u, headers, body, &res); err != nil {
		return nil, classify(fmt.Errorf("update operation %s of subscription %s: %w", operationID, subscriptionID, err), statusCode)
	}
	if res.Status == "" {
		res.Status = update.Status
	}

	c.logger.Info("fulfillment operation updated",
		zap.String("subscription_id", subscriptionID.String()),
		zap.String("operation_id", operationID),
		zap.String("status", res.Status))
	return &service.OperationResult{Status: res.Status}, nil
}

func classify(err error, statusCode int) error {
	if statusCode == 0 {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return service.NewRetryableError(err, "")
	}
	return service.NewStatusCodeError(err, statusCode, "")
}
