package linear

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// MockServer provides a fake Linear GraphQL API for testing
type MockServer struct {
	*httptest.Server
	mu       sync.RWMutex
	teams    map[string]*TeamMeta // team id -> metadata
	issues   map[string]*Issue    // issue id -> issue
	nextID   int
	failWith int // if non-zero, every request fails with this HTTP status
	requests int
}

// NewMockServer creates a mock Linear API server
func NewMockServer() *MockServer {
	m := &MockServer{
		teams:  make(map[string]*TeamMeta),
		issues: make(map[string]*Issue),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", m.handleGraphQL)

	m.Server = httptest.NewServer(mux)
	return m
}

// AddTeam registers a team and its metadata on the mock server
func (m *MockServer) AddTeam(meta TeamMeta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teams[meta.Team.ID] = &meta
}

// AddIssue adds an issue to the mock server
func (m *MockServer) AddIssue(issue Issue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := issue
	m.issues[issue.ID] = &cp
}

// RemoveIssue deletes an issue from the mock server
func (m *MockServer) RemoveIssue(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.issues, id)
}

// Issue retrieves an issue (for test assertions)
func (m *MockServer) Issue(id string) *Issue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if issue, ok := m.issues[id]; ok {
		cp := *issue
		return &cp
	}
	return nil
}

// FailWith makes every subsequent request fail with the given HTTP status.
// Pass 0 to restore normal behavior.
func (m *MockServer) FailWith(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = status
}

// Requests returns the number of GraphQL requests served so far
func (m *MockServer) Requests() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requests
}

// Reset clears all teams and issues
func (m *MockServer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teams = make(map[string]*TeamMeta)
	m.issues = make(map[string]*Issue)
	m.failWith = 0
	m.requests = 0
}

func (m *MockServer) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requests++
	fail := m.failWith
	m.mu.Unlock()

	if fail != 0 {
		http.Error(w, "forced failure", fail)
		return
	}

	if r.Header.Get("Authorization") == "" {
		writeGraphQLError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req graphqlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	switch {
	case strings.Contains(req.Query, "viewer"):
		writeData(w, map[string]any{"viewer": map[string]any{"id": "mock-viewer"}})
	case strings.Contains(req.Query, "issueCreate"):
		m.handleCreateIssue(w, req)
	case strings.Contains(req.Query, "issueUpdate"):
		m.handleUpdateIssue(w, req)
	case strings.Contains(req.Query, "issues(filter"):
		m.handleIssues(w, req)
	case strings.Contains(req.Query, "team(id"):
		m.handleTeamMeta(w, req)
	case strings.Contains(req.Query, "teams"):
		m.handleTeams(w)
	default:
		writeGraphQLError(w, http.StatusBadRequest, fmt.Sprintf("unrecognized query: %s", req.Query))
	}
}

func (m *MockServer) handleTeams(w http.ResponseWriter) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make([]Team, 0, len(m.teams))
	for _, meta := range m.teams {
		nodes = append(nodes, meta.Team)
	}
	writeData(w, map[string]any{"teams": map[string]any{"nodes": nodes}})
}

func (m *MockServer) handleTeamMeta(w http.ResponseWriter, req graphqlRequest) {
	teamID, _ := req.Variables["teamId"].(string)

	m.mu.RLock()
	meta, ok := m.teams[teamID]
	m.mu.RUnlock()

	if !ok {
		writeData(w, map[string]any{"team": nil})
		return
	}

	writeData(w, map[string]any{"team": map[string]any{
		"id":      meta.Team.ID,
		"key":     meta.Team.Key,
		"name":    meta.Team.Name,
		"states":  map[string]any{"nodes": meta.States},
		"labels":  map[string]any{"nodes": meta.Labels},
		"members": map[string]any{"nodes": meta.Members},
	}})
}

func (m *MockServer) handleIssues(w http.ResponseWriter, req graphqlRequest) {
	teamID, _ := req.Variables["teamId"].(string)

	stateIDs := map[string]bool{}
	if raw, ok := req.Variables["stateIds"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				stateIDs[s] = true
			}
		}
	}

	var updatedSince time.Time
	if raw, ok := req.Variables["updatedSince"].(string); ok {
		updatedSince, _ = time.Parse(time.RFC3339, raw)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := []map[string]any{}
	for _, issue := range m.issues {
		if issue.TeamID != teamID || !stateIDs[issue.State.ID] {
			continue
		}
		if !updatedSince.IsZero() && issue.UpdatedAt.Before(updatedSince) {
			continue
		}
		nodes = append(nodes, issueToNode(issue))
	}
	writeData(w, map[string]any{"issues": map[string]any{"nodes": nodes}})
}

func (m *MockServer) handleCreateIssue(w http.ResponseWriter, req graphqlRequest) {
	input, _ := req.Variables["input"].(map[string]any)
	teamID, _ := input["teamId"].(string)
	title, _ := input["title"].(string)
	stateID, _ := input["stateId"].(string)

	m.mu.Lock()
	defer m.mu.Unlock()

	meta, ok := m.teams[teamID]
	if !ok {
		writeGraphQLError(w, http.StatusOK, fmt.Sprintf("could not find team %q", teamID))
		return
	}

	var state WorkflowState
	for _, s := range meta.States {
		if s.ID == stateID {
			state = s
			break
		}
	}

	m.nextID++
	issue := &Issue{
		ID:        fmt.Sprintf("mock-issue-%d", m.nextID),
		TeamID:    teamID,
		Title:     title,
		State:     state,
		UpdatedAt: time.Now().UTC(),
	}
	if desc, ok := input["description"].(string); ok {
		issue.Description = desc
	}
	if due, ok := input["dueDate"].(string); ok {
		issue.DueDate = due
	}
	if assignee, ok := input["assigneeId"].(string); ok {
		issue.AssigneeID = assignee
	}
	if raw, ok := input["labelIds"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				issue.LabelIDs = append(issue.LabelIDs, s)
			}
		}
	}
	m.issues[issue.ID] = issue

	writeData(w, map[string]any{"issueCreate": map[string]any{
		"success": true,
		"issue":   issueToNode(issue),
	}})
}

func (m *MockServer) handleUpdateIssue(w http.ResponseWriter, req graphqlRequest) {
	issueID, _ := req.Variables["issueId"].(string)
	input, _ := req.Variables["input"].(map[string]any)

	m.mu.Lock()
	defer m.mu.Unlock()

	issue, ok := m.issues[issueID]
	if !ok {
		writeGraphQLError(w, http.StatusOK, fmt.Sprintf("could not find issue %q", issueID))
		return
	}

	if stateID, ok := input["stateId"].(string); ok {
		issue.State = WorkflowState{ID: stateID}
		if meta, ok := m.teams[issue.TeamID]; ok {
			for _, s := range meta.States {
				if s.ID == stateID {
					issue.State = s
					break
				}
			}
		}
	}
	if title, ok := input["title"].(string); ok {
		issue.Title = title
	}
	if desc, ok := input["description"].(string); ok {
		issue.Description = desc
	}
	if due, exists := input["dueDate"]; exists {
		if s, ok := due.(string); ok {
			issue.DueDate = s
		} else {
			issue.DueDate = ""
		}
	}
	issue.UpdatedAt = time.Now().UTC()

	writeData(w, map[string]any{"issueUpdate": map[string]any{
		"success": true,
		"issue":   issueToNode(issue),
	}})
}

func issueToNode(issue *Issue) map[string]any {
	node := map[string]any{
		"id":          issue.ID,
		"title":       issue.Title,
		"description": issue.Description,
		"dueDate":     issue.DueDate,
		"url":         issue.URL,
		"updatedAt":   issue.UpdatedAt.Format(time.RFC3339),
		"state":       issue.State,
	}
	if issue.AssigneeID != "" {
		node["assignee"] = map[string]any{"id": issue.AssigneeID}
	}
	labelNodes := []map[string]any{}
	for _, id := range issue.LabelIDs {
		labelNodes = append(labelNodes, map[string]any{"id": id})
	}
	node["labels"] = map[string]any{"nodes": labelNodes}
	return node
}

func writeData(w http.ResponseWriter, data map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func writeGraphQLError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"errors": []map[string]any{{"message": message}},
	})
}
