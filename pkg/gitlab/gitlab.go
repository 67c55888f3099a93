package gitlab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/outpostd/outpost/pkg/log"
)

// Client queries a GitLab-compatible source host.
type Client struct {
	HTTPClient *http.Client
}

// NewClient returns a client with the default request timeout.
func NewClient() *Client {
	return &Client{HTTPClient: &http.Client{Timeout: 300 * time.Second}}
}

type compareResponse struct {
	Commits []json.RawMessage `json:"commits"`
}

// HasDiffBetweenBranches reports whether the dev branch carries commits that
// the deploy branch does not. It returns nil when the compare request fails,
// so callers can distinguish "no diff" from "unknown".
func (c *Client) HasDiffBetweenBranches(ctx context.Context, baseURL, token string, projectID int, devBranch, deployBranch string) *bool {
	u := fmt.Sprintf("%s/api/v4/projects/%d/repository/compare?from=%s&to=%s&straight=true",
		strings.TrimRight(baseURL, "/"), projectID, deployBranch, devBranch)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		log.Logger.Error().Err(err).Msg("failed to build compare request")
		return nil
	}
	req.Header.Set("PRIVATE-TOKEN", token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		log.Logger.Error().Err(err).Str("url", baseURL).Msg("compare request failed")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Logger.Error().Int("status", resp.StatusCode).Str("url", baseURL).Msg("compare request rejected")
		return nil
	}

	var diff compareResponse
	if err := json.NewDecoder(resp.Body).Decode(&diff); err != nil {
		log.Logger.Error().Err(err).Msg("failed to decode compare response")
		return nil
	}

	hasDiff := len(diff.Commits) > 0
	return &hasDiff
}
