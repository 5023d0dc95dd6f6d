// Package linear provides a Linear GraphQL API client for issue synchronization.
package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	graphqlEndpoint = "https://api.linear.app/graphql"

	requestTimeout = 30 * time.Second
)

// Sentinel errors for the failure taxonomy. Callers distinguish cases with
// errors.Is; every error returned by the client wraps exactly one of these.
var (
	// ErrAuth indicates a bad or expired API token.
	ErrAuth = errors.New("authentication failed")
	// ErrRateLimit indicates the API rate limit was exceeded.
	ErrRateLimit = errors.New("rate limited")
	// ErrNotFound indicates the referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNetwork indicates a transport-level failure, including timeouts.
	ErrNetwork = errors.New("network error")
)

// Client is a Linear GraphQL API client.
type Client struct {
	token      string
	endpoint   string
	httpClient *http.Client
}

// New creates a new Linear API client with the given token.
func New(token string) *Client {
	return &Client{
		token:      token,
		endpoint:   graphqlEndpoint,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// NewWithEndpoint creates a Linear API client with a custom endpoint (for testing).
func NewWithEndpoint(token, endpoint string) *Client {
	return &Client{
		token:      token,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// graphqlRequest is the wire shape of a GraphQL POST body.
type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

// do executes a GraphQL query and decodes the "data" object into out.
func (c *Client) do(ctx context.Context, query string, variables map[string]any, out any) error {
	payload, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: invalid API token", ErrAuth)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: retry after %s", ErrRateLimit, resp.Header.Get("Retry-After"))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrNetwork, err)
	}

	var gqlResp graphqlResponse
	if err := json.Unmarshal(body, &gqlResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if len(gqlResp.Errors) > 0 {
		return classifyGraphQLErrors(gqlResp.Errors)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %s", ErrNetwork, resp.Status)
	}

	if out != nil {
		if err := json.Unmarshal(gqlResp.Data, out); err != nil {
			return fmt.Errorf("failed to decode data: %w", err)
		}
	}
	return nil
}

// classifyGraphQLErrors maps GraphQL error messages onto the sentinel taxonomy.
// Linear reports auth failures both as HTTP status codes and as in-band errors.
func classifyGraphQLErrors(errs []graphqlError) error {
	messages := make([]string, len(errs))
	for i, e := range errs {
		messages[i] = e.Message
	}
	joined := strings.Join(messages, ", ")
	lower := strings.ToLower(joined)

	switch {
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "401") || strings.Contains(lower, "403"):
		return fmt.Errorf("%w: %s", ErrAuth, joined)
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "ratelimited"):
		return fmt.Errorf("%w: %s", ErrRateLimit, joined)
	case strings.Contains(lower, "not found") || strings.Contains(lower, "could not find"):
		return fmt.Errorf("%w: %s", ErrNotFound, joined)
	default:
		return fmt.Errorf("graphql errors: %s", joined)
	}
}

// ValidateToken checks the API token with a minimal viewer query.
func (c *Client) ValidateToken(ctx context.Context) error {
	return c.do(ctx, `query { viewer { id } }`, nil, nil)
}

const teamsQuery = `query { teams { nodes { id key name } } }`

// Teams fetches all teams visible to the authenticated user.
func (c *Client) Teams(ctx context.Context) ([]Team, error) {
	var data struct {
		Teams struct {
			Nodes []Team `json:"nodes"`
		} `json:"teams"`
	}
	if err := c.do(ctx, teamsQuery, nil, &data); err != nil {
		return nil, fmt.Errorf("failed to fetch teams: %w", err)
	}
	return data.Teams.Nodes, nil
}

const teamMetaQuery = `
query TeamMeta($teamId: String!) {
    team(id: $teamId) {
        id
        key
        name
        states { nodes { id name type } }
        labels { nodes { id name } }
        members { nodes { id name email } }
    }
}`

// TeamMeta fetches a team's workflow states, labels, and members in one call.
func (c *Client) TeamMeta(ctx context.Context, teamID string) (*TeamMeta, error) {
	var data struct {
		Team *struct {
			ID      string `json:"id"`
			Key     string `json:"key"`
			Name    string `json:"name"`
			States  struct {
				Nodes []WorkflowState `json:"nodes"`
			} `json:"states"`
			Labels struct {
				Nodes []Label `json:"nodes"`
			} `json:"labels"`
			Members struct {
				Nodes []Member `json:"nodes"`
			} `json:"members"`
		} `json:"team"`
	}
	if err := c.do(ctx, teamMetaQuery, map[string]any{"teamId": teamID}, &data); err != nil {
		return nil, fmt.Errorf("failed to fetch team metadata: %w", err)
	}
	if data.Team == nil {
		return nil, fmt.Errorf("%w: team %q", ErrNotFound, teamID)
	}
	return &TeamMeta{
		Team:    Team{ID: data.Team.ID, Key: data.Team.Key, Name: data.Team.Name},
		States:  data.Team.States.Nodes,
		Labels:  data.Team.Labels.Nodes,
		Members: data.Team.Members.Nodes,
	}, nil
}

const issuesQuery = `
query Issues($teamId: ID!, $stateIds: [ID!]!) {
    issues(filter: {
        team: { id: { eq: $teamId } }
        state: { id: { in: $stateIds } }
    }) {
        nodes {
            id
            title
            description
            dueDate
            url
            updatedAt
            state { id name type }
            assignee { id }
            labels { nodes { id } }
        }
    }
}`

const issuesSinceQuery = `
query Issues($teamId: ID!, $stateIds: [ID!]!, $updatedSince: DateTimeOrDuration!) {
    issues(filter: {
        team: { id: { eq: $teamId } }
        state: { id: { in: $stateIds } }
        updatedAt: { gte: $updatedSince }
    }) {
        nodes {
            id
            title
            description
            dueDate
            url
            updatedAt
            state { id name type }
            assignee { id }
            labels { nodes { id } }
        }
    }
}`

// issueNode is the wire shape of an issue in query results.
type issueNode struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	DueDate     string        `json:"dueDate"`
	URL         string        `json:"url"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	State       WorkflowState `json:"state"`
	Assignee    *struct {
		ID string `json:"id"`
	} `json:"assignee"`
	Labels struct {
		Nodes []struct {
			ID string `json:"id"`
		} `json:"nodes"`
	} `json:"labels"`
}

func (n issueNode) toIssue(teamID string) Issue {
	issue := Issue{
		ID:          n.ID,
		TeamID:      teamID,
		Title:       n.Title,
		Description: n.Description,
		DueDate:     n.DueDate,
		URL:         n.URL,
		UpdatedAt:   n.UpdatedAt,
		State:       n.State,
	}
	if n.Assignee != nil {
		issue.AssigneeID = n.Assignee.ID
	}
	for _, l := range n.Labels.Nodes {
		issue.LabelIDs = append(issue.LabelIDs, l.ID)
	}
	return issue
}

// Issues fetches a team's issues in the given workflow states.
// If updatedSince is non-zero, only issues updated at or after it are returned.
func (c *Client) Issues(ctx context.Context, teamID string, stateIDs []string, updatedSince time.Time) ([]Issue, error) {
	query := issuesQuery
	variables := map[string]any{
		"teamId":   teamID,
		"stateIds": stateIDs,
	}
	if !updatedSince.IsZero() {
		query = issuesSinceQuery
		variables["updatedSince"] = updatedSince.UTC().Format(time.RFC3339)
	}

	var data struct {
		Issues struct {
			Nodes []issueNode `json:"nodes"`
		} `json:"issues"`
	}
	if err := c.do(ctx, query, variables, &data); err != nil {
		return nil, fmt.Errorf("failed to fetch issues: %w", err)
	}

	issues := make([]Issue, len(data.Issues.Nodes))
	for i, n := range data.Issues.Nodes {
		issues[i] = n.toIssue(teamID)
	}
	return issues, nil
}

const createIssueMutation = `
mutation CreateIssue($input: IssueCreateInput!) {
    issueCreate(input: $input) {
        success
        issue {
            id
            title
            description
            dueDate
            url
            updatedAt
            state { id name type }
            assignee { id }
            labels { nodes { id } }
        }
    }
}`

// CreateIssue creates a new issue from the given input.
func (c *Client) CreateIssue(ctx context.Context, input IssueInput) (*Issue, error) {
	fields := map[string]any{
		"teamId": input.TeamID,
		"title":  input.Title,
	}
	if input.StateID != "" {
		fields["stateId"] = input.StateID
	}
	if input.Description != "" {
		fields["description"] = input.Description
	}
	if input.DueDate != "" {
		// Linear expects TimelessDate (YYYY-MM-DD), not a DateTime.
		fields["dueDate"] = input.DueDate
	}
	if input.AssigneeID != "" {
		fields["assigneeId"] = input.AssigneeID
	}
	if len(input.LabelIDs) > 0 {
		fields["labelIds"] = input.LabelIDs
	}

	var data struct {
		IssueCreate struct {
			Success bool       `json:"success"`
			Issue   *issueNode `json:"issue"`
		} `json:"issueCreate"`
	}
	if err := c.do(ctx, createIssueMutation, map[string]any{"input": fields}, &data); err != nil {
		return nil, fmt.Errorf("failed to create issue: %w", err)
	}
	if !data.IssueCreate.Success || data.IssueCreate.Issue == nil {
		return nil, fmt.Errorf("issue creation was not successful")
	}
	issue := data.IssueCreate.Issue.toIssue(input.TeamID)
	return &issue, nil
}

const updateIssueMutation = `
mutation UpdateIssue($issueId: String!, $input: IssueUpdateInput!) {
    issueUpdate(id: $issueId, input: $input) {
        success
        issue {
            id
            title
            description
            dueDate
            url
            updatedAt
            state { id name type }
            assignee { id }
            labels { nodes { id } }
        }
    }
}`

// UpdateIssue applies the non-nil fields of patch to an issue.
func (c *Client) UpdateIssue(ctx context.Context, issueID string, patch IssuePatch) (*Issue, error) {
	if patch.Empty() {
		return nil, fmt.Errorf("update requires at least one field")
	}

	fields := map[string]any{}
	if patch.StateID != nil {
		fields["stateId"] = *patch.StateID
	}
	if patch.Title != nil {
		fields["title"] = *patch.Title
	}
	if patch.Description != nil {
		fields["description"] = *patch.Description
	}
	if patch.DueDate != nil {
		if *patch.DueDate == "" {
			fields["dueDate"] = nil
		} else {
			fields["dueDate"] = *patch.DueDate
		}
	}

	var data struct {
		IssueUpdate struct {
			Success bool       `json:"success"`
			Issue   *issueNode `json:"issue"`
		} `json:"issueUpdate"`
	}
	variables := map[string]any{"issueId": issueID, "input": fields}
	if err := c.do(ctx, updateIssueMutation, variables, &data); err != nil {
		return nil, fmt.Errorf("failed to update issue: %w", err)
	}
	if !data.IssueUpdate.Success || data.IssueUpdate.Issue == nil {
		return nil, fmt.Errorf("issue update was not successful")
	}
	issue := data.IssueUpdate.Issue.toIssue("")
	return &issue, nil
}
