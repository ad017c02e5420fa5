package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"buildplane/pkg/api"
)

// BuildClient handles API calls to the buildplane controller.
type BuildClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewBuildClient creates a new client with the given base URL and token.
// The token is only sent when set; read endpoints do not need it.
func NewBuildClient(baseURL, token string) *BuildClient {
	return &BuildClient{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func (c *BuildClient) newRequest(method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.Token != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	}
	req.Header.Add("Content-Type", "application/json")
	return req, nil
}

// do sends the request and decodes a JSON response into out, which may be nil.
func (c *BuildClient) do(method, path string, body, out interface{}) error {
	req, err := c.newRequest(method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// errorMessage prefers the API's error and details over the raw body.
func errorMessage(body []byte) string {
	var apiErr api.ErrorResponse
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Error == "" {
		return string(bytes.TrimSpace(body))
	}
	if apiErr.Details != "" {
		return apiErr.Error + ": " + apiErr.Details
	}
	return apiErr.Error
}

// ListProjects sends GET /projects.
func (c *BuildClient) ListProjects() ([]api.ProjectResponse, error) {
	var result api.ListProjectsResponse
	if err := c.do(http.MethodGet, "/projects", nil, &result); err != nil {
		return nil, err
	}
	return result.Projects, nil
}

// GetProject sends GET /projects/{ref}.
func (c *BuildClient) GetProject(ref string) (*api.ProjectResponse, error) {
	var result api.ProjectResponse
	if err := c.do(http.MethodGet, "/projects/"+url.PathEscape(ref), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateProject sends POST /projects.
func (c *BuildClient) CreateProject(req api.ProjectRequest) (*api.ProjectResponse, error) {
	var result api.ProjectResponse
	if err := c.do(http.MethodPost, "/projects", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// UpdateProject sends PUT /projects/{ref}.
func (c *BuildClient) UpdateProject(ref string, req api.ProjectRequest) (*api.ProjectResponse, error) {
	var result api.ProjectResponse
	if err := c.do(http.MethodPut, "/projects/"+url.PathEscape(ref), req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteProject sends DELETE /projects/{ref}.
func (c *BuildClient) DeleteProject(ref string) error {
	return c.do(http.MethodDelete, "/projects/"+url.PathEscape(ref), nil, nil)
}

// MoveProject sends POST /projects/{ref}/move.
func (c *BuildClient) MoveProject(ref, direction string) (*api.MoveResponse, error) {
	var result api.MoveResponse
	path := fmt.Sprintf("/projects/%s/move?direction=%s", url.PathEscape(ref), url.QueryEscape(direction))
	if err := c.do(http.MethodPost, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// TriggerBuild sends POST /projects/{ref}/builds.
func (c *BuildClient) TriggerBuild(ref string) (*api.BuildResponse, error) {
	var result api.BuildResponse
	if err := c.do(http.MethodPost, "/projects/"+url.PathEscape(ref)+"/builds", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListBuilds sends GET /projects/{ref}/builds.
func (c *BuildClient) ListBuilds(ref string, limit int) ([]api.BuildResponse, error) {
	var result api.ListBuildsResponse
	path := "/projects/" + url.PathEscape(ref) + "/builds"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := c.do(http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Builds, nil
}

// GetBuild sends GET /builds/{id}.
func (c *BuildClient) GetBuild(buildID string) (*api.BuildResponse, error) {
	var result api.BuildResponse
	if err := c.do(http.MethodGet, "/builds/"+url.PathEscape(buildID), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListStaleBuilds sends GET /builds/stale.
func (c *BuildClient) ListStaleBuilds(olderThan time.Duration, status string) ([]api.BuildResponse, error) {
	query := url.Values{}
	query.Set("older_than", olderThan.String())
	if status != "" {
		query.Set("status", status)
	}
	var result api.ListBuildsResponse
	if err := c.do(http.MethodGet, "/builds/stale?"+query.Encode(), nil, &result); err != nil {
		return nil, err
	}
	return result.Builds, nil
}
