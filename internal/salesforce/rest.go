package salesforce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"rabbitforce/internal/constants"
	"rabbitforce/pkg/errors"
)

// RestError is a non-2xx response from the Salesforce REST API.
type RestError struct {
	StatusCode int
	Body       string
}

func (e *RestError) Error() string {
	return fmt.Sprintf("salesforce REST error: status %d: %s", e.StatusCode, e.Body)
}

// RestClient is a minimal sobject CRUD + SOQL client used by the resource
// provisioner. A request failing with 401 is retried once after forcing a
// token refresh; a second 401 is an authentication failure.
type RestClient struct {
	auth       *Authenticator
	httpClient *http.Client
	apiVersion float64
}

func NewRestClient(auth *Authenticator) *RestClient {
	return &RestClient{
		auth:       auth,
		httpClient: &http.Client{Timeout: constants.DefaultHTTPTimeout},
		apiVersion: constants.DefaultAPIVersion,
	}
}

func (c *RestClient) basePath() string {
	return fmt.Sprintf("/services/data/v%.1f/", c.apiVersion)
}

func (c *RestClient) request(ctx context.Context, method, path string, params url.Values, body interface{}) (map[string]interface{}, error) {
	result, err := c.do(ctx, method, path, params, body)
	if err == nil {
		return result, nil
	}

	if !errors.HasCode(err, errors.ErrAuth.Code) {
		return nil, err
	}

	c.auth.Invalidate()
	result, err = c.do(ctx, method, path, params, body)
	if err != nil && errors.HasCode(err, errors.ErrAuth.Code) {
		return nil, errors.ErrAuth.
			WithMessage("request to %s still unauthorized after token refresh", path).
			WithCause(err)
	}
	return result, err
}

func (c *RestClient) do(ctx context.Context, method, path string, params url.Values, body interface{}) (map[string]interface{}, error) {
	token, err := c.auth.Token(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := token.InstanceURL + c.basePath() + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var reqBody *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize request body: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", token.AuthorizationHeader())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.ErrSourceTransient.
			WithMessage("request to %s failed", path).
			WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, errors.ErrAuth.
			WithMessage("request to %s unauthorized", path).
			WithCause(&RestError{StatusCode: resp.StatusCode})
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		return nil, &RestError{StatusCode: resp.StatusCode, Body: buf.String()}
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, nil
	}
	return result, nil
}

// Query executes the given SOQL query.
func (c *RestClient) Query(ctx context.Context, soql string) (map[string]interface{}, error) {
	return c.request(ctx, http.MethodGet, "query", url.Values{"q": {soql}}, nil)
}

// Create creates a record of the given sobject type and returns its id.
func (c *RestClient) Create(ctx context.Context, sobject string, fields map[string]interface{}) (string, error) {
	result, err := c.request(ctx, http.MethodPost, "sobjects/"+sobject+"/", nil, fields)
	if err != nil {
		return "", err
	}
	id, _ := result["id"].(string)
	if id == "" {
		return "", fmt.Errorf("create response for %s carries no id", sobject)
	}
	return id, nil
}

// Get fetches a record by id.
func (c *RestClient) Get(ctx context.Context, sobject, id string) (map[string]interface{}, error) {
	return c.request(ctx, http.MethodGet, "sobjects/"+sobject+"/"+id, nil, nil)
}

// Delete removes a record by id.
func (c *RestClient) Delete(ctx context.Context, sobject, id string) error {
	_, err := c.request(ctx, http.MethodDelete, "sobjects/"+sobject+"/"+id, nil, nil)
	return err
}
