// Package storyline is a small typed client for the storyline HTTP API.
package storyline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Client talks to a storyline server. Either Token (bearer) or APIKey
// must be set.
type Client struct {
	BaseURL string
	Token   string
	APIKey  string
	HTTP    *http.Client
}

func New(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: http.DefaultClient}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("storyline: %d %s: %s", e.Status, e.Code, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	} else if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		json.Unmarshal(raw, apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

type PRD struct {
	ID        string   `json:"id"`
	Domain    string   `json:"domain"`
	Name      string   `json:"name"`
	Phase     string   `json:"phase"`
	Priority  int      `json:"priority"`
	DependsOn []string `json:"depends_on,omitempty"`
	CreatedAt string   `json:"created_at"`
}

type Story struct {
	ID                  string   `json:"id"`
	PRDID               string   `json:"prd_id"`
	Position            int      `json:"position"`
	Title               string   `json:"title"`
	AcceptanceCriteria  []string `json:"acceptance_criteria,omitempty"`
	Status              string   `json:"status"`
	Dependencies        []string `json:"dependencies,omitempty"`
	EstimatedIterations int      `json:"estimated_iterations"`
	IterationsUsed      int      `json:"iterations_used"`
	CompletedAt         *string  `json:"completed_at,omitempty"`
}

type Attempt struct {
	ID          string `json:"id"`
	StoryID     string `json:"story_id"`
	Number      int    `json:"number"`
	Alternative bool   `json:"alternative"`
	Outcome     string `json:"outcome"`
	Signature   string `json:"signature,omitempty"`
	TS          string `json:"ts"`
}

type Blocker struct {
	ID                string   `json:"id"`
	Domain            string   `json:"domain"`
	StoryID           string   `json:"story_id"`
	Reason            string   `json:"reason"`
	AttemptedRemedies []string `json:"attempted_remedies"`
	Escalated         bool     `json:"escalated"`
	TS                string   `json:"ts"`
}

type Selection struct {
	Kind              string   `json:"kind"`
	Story             Story    `json:"story,omitempty"`
	Blocked           []string `json:"blocked,omitempty"`
	Unreachable       []string `json:"unreachable,omitempty"`
	FoundationBlocked string   `json:"foundation_blocked,omitempty"`
}

type AttemptOutcome struct {
	Attempt        Attempt  `json:"attempt"`
	Story          Story    `json:"story"`
	TryAlternative bool     `json:"try_alternative,omitempty"`
	Blocked        bool     `json:"blocked,omitempty"`
	Blocker        *Blocker `json:"blocker,omitempty"`
	HaltDomain     bool     `json:"halt_domain,omitempty"`
}

type StoryDraft struct {
	ID                  string   `json:"id,omitempty"`
	Title               string   `json:"title"`
	AcceptanceCriteria  []string `json:"acceptance_criteria,omitempty"`
	Dependencies        []string `json:"dependencies,omitempty"`
	EstimatedIterations int      `json:"estimated_iterations,omitempty"`
}

type PRDDraft struct {
	ID        string       `json:"id"`
	Domain    string       `json:"domain,omitempty"`
	Name      string       `json:"name"`
	Phase     string       `json:"phase"`
	Priority  int          `json:"priority,omitempty"`
	DependsOn []string     `json:"depends_on,omitempty"`
	Stories   []StoryDraft `json:"stories"`
}

func (c *Client) ImportPRD(ctx context.Context, draft PRDDraft) (PRD, []Story, error) {
	var out struct {
		PRD     PRD     `json:"prd"`
		Stories []Story `json:"stories"`
	}
	err := c.do(ctx, http.MethodPost, "/v0/prds", draft, &out)
	return out.PRD, out.Stories, err
}

func (c *Client) ListStories(ctx context.Context, prdID, status string) ([]Story, error) {
	q := "?prd_id=" + prdID + "&status=" + status
	var out struct {
		Stories []Story `json:"stories"`
	}
	err := c.do(ctx, http.MethodGet, "/v0/stories"+q, nil, &out)
	return out.Stories, err
}

func (c *Client) GetStory(ctx context.Context, id string) (Story, []Attempt, error) {
	var out struct {
		Story    Story     `json:"story"`
		Attempts []Attempt `json:"attempts"`
	}
	err := c.do(ctx, http.MethodGet, "/v0/stories/"+id, nil, &out)
	return out.Story, out.Attempts, err
}

// NextStory asks the coordinator what to work on next.
func (c *Client) NextStory(ctx context.Context, domain string) (Selection, error) {
	in := map[string]string{"domain": domain}
	var out Selection
	err := c.do(ctx, http.MethodPost, "/v0/next", in, &out)
	return out, err
}

// RecordAttempt reports one externally executed attempt's result.
func (c *Client) RecordAttempt(ctx context.Context, storyID string, passed bool, output string) (AttemptOutcome, error) {
	in := map[string]any{"passed": passed, "output": output}
	var out AttemptOutcome
	err := c.do(ctx, http.MethodPost, "/v0/stories/"+storyID+"/attempts", in, &out)
	return out, err
}

func (c *Client) ResetStory(ctx context.Context, id, note string) (Story, error) {
	var out struct {
		Story Story `json:"story"`
	}
	err := c.do(ctx, http.MethodPost, "/v0/stories/"+id+"/reset", map[string]string{"note": note}, &out)
	return out.Story, err
}

func (c *Client) SkipStory(ctx context.Context, id, reason string) (Story, error) {
	var out struct {
		Story Story `json:"story"`
	}
	err := c.do(ctx, http.MethodPost, "/v0/stories/"+id+"/skip", map[string]string{"reason": reason}, &out)
	return out.Story, err
}

func (c *Client) ListBlockers(ctx context.Context, domain string) ([]Blocker, error) {
	var out struct {
		Blockers []Blocker `json:"blockers"`
	}
	err := c.do(ctx, http.MethodGet, "/v0/blockers?domain="+domain, nil, &out)
	return out.Blockers, err
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	Domain     string `json:"domain,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

func (c *Client) ListEvents(ctx context.Context, domain string, after int64, limit int) ([]Event, int64, error) {
	q := "?domain=" + domain + "&after=" + strconv.FormatInt(after, 10) + "&limit=" + strconv.Itoa(limit)
	var out struct {
		Events []Event `json:"events"`
		Cursor int64   `json:"cursor"`
	}
	err := c.do(ctx, http.MethodGet, "/v0/events"+q, nil, &out)
	return out.Events, out.Cursor, err
}
