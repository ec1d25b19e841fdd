package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client runs conversation analysis through the OpenAI chat completions API.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewClient(apiKey, model string) *Client {
	return &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

// SetBaseURL points the client at a different endpoint. Used by tests.
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// AnalysisError is a per-conversation failure. The orchestrator skips the
// conversation and keeps going, like a malformed record.
type AnalysisError struct {
	TicketID string
	Err      error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analyze ticket %s: %v", e.TicketID, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// Result is the structured output of one conversation analysis.
type Result struct {
	ServiceCategory  string `json:"service_category"`
	Summary          string `json:"summary"`
	IntentRating     string `json:"intent_rating"`
	EngagementRating int    `json:"engagement_rating"`
	ClarityRating    int    `json:"clarity_rating"`
	ResolutionRating int    `json:"resolution_rating"`
	SentimentRating  string `json:"sentiment_rating"`
	Location         string `json:"location"`
	ScheduleDate     string `json:"schedule_date"`
	ScheduleTime     string `json:"schedule_time"`
	Car              string `json:"car"`
	ContactNum       string `json:"contact_num"`
	Payment          string `json:"payment"`
	Inspection       string `json:"inspection"`
	Quotation        string `json:"quotation"`
	Model            string `json:"model"`

	// Tokens is the total token usage reported for the call.
	Tokens int `json:"-"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model          string    `json:"model"`
	Messages       []message `json:"messages"`
	Temperature    float64   `json:"temperature"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type response struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Analyze extracts structured booking data from one conversation transcript.
func (c *Client) Analyze(ctx context.Context, conversationText string) (*Result, error) {
	prompt := fmt.Sprintf(analysisPrompt, time.Now().UTC().Format("2006-01-02"), conversationText)

	reqBody := request{
		Model:       c.model,
		Messages:    []message{{Role: "system", Content: prompt}},
		Temperature: 0.8,
	}
	reqBody.ResponseFormat.Type = "json_object"

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			return nil, fmt.Errorf("api error %d: %s: %s", resp.StatusCode, errResp.Error.Type, errResp.Error.Message)
		}
		return nil, fmt.Errorf("api error %d: %s", resp.StatusCode, string(respBody))
	}

	var apiResp response
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("empty response content")
	}

	var result Result
	if err := json.Unmarshal([]byte(apiResp.Choices[0].Message.Content), &result); err != nil {
		return nil, fmt.Errorf("parse analysis: %w", err)
	}
	result.Tokens = apiResp.Usage.TotalTokens

	return &result, nil
}
