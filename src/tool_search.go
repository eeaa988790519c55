package elmer

/*------------------------------------------------------------------
 *
 * Name:	tool_search
 *
 * Purpose:	Web search via the DuckDuckGo Instant Answer API.
 *
 * Description:	The instant-answer endpoint returns JSON (abstract plus
 *		related topics) rather than a crawled result page, which
 *		keeps this free of HTML scraping.  Results are flattened
 *		into the title/url/snippet list the model expects.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/go-retryablehttp"
)

const DDG_API_URL = "https://api.duckduckgo.com/"

type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type WebSearchTool struct {
	enabled    bool
	maxResults int
	baseURL    string
	http       *retryablehttp.Client
	log        *log.Logger
}

func NewWebSearchTool(cfg SearchConfig, logger *log.Logger) *WebSearchTool {
	if logger == nil {
		logger = log.Default()
	}

	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}

	var client = retryablehttp.NewClient()
	client.RetryMax = 2
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil

	return &WebSearchTool{
		enabled:    cfg.Enabled,
		maxResults: maxResults,
		baseURL:    DDG_API_URL,
		http:       client,
		log:        logger.WithPrefix("search"),
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name: "web_search",
		Description: "Search the internet for current information. Use this when you need " +
			"up-to-date information, facts, news, or information beyond your knowledge " +
			"cutoff. Returns a list of search results with titles, URLs, and snippets.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]SchemaProp{
				"query": {
					Type:        "string",
					Description: "The search query to look up on the internet",
				},
			},
			Required: []string{"query"},
		},
	}
}

// ddgResponse is the slice of the instant-answer JSON this tool reads.
type ddgResponse struct {
	Heading       string `json:"Heading"`
	AbstractText  string `json:"AbstractText"`
	AbstractURL   string `json:"AbstractURL"`
	Answer        string `json:"Answer"`
	AnswerType    string `json:"AnswerType"`
	RelatedTopics []struct {
		Text     string `json:"Text"`
		FirstURL string `json:"FirstURL"`
		Topics   []struct {
			Text     string `json:"Text"`
			FirstURL string `json:"FirstURL"`
		} `json:"Topics"`
	} `json:"RelatedTopics"`
}

func (t *WebSearchTool) search(ctx context.Context, query string) ([]SearchResult, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("no_html", "1")
	params.Set("skip_disambig", "0")

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var out ddgResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}

	var results []SearchResult

	if out.Answer != "" {
		results = append(results, SearchResult{
			Title:   out.Heading,
			Snippet: out.Answer,
		})
	}

	if out.AbstractText != "" {
		results = append(results, SearchResult{
			Title:   out.Heading,
			URL:     out.AbstractURL,
			Snippet: out.AbstractText,
		})
	}

	// Related topics arrive either flat or grouped by category.
	appendTopic := func(text, firstURL string) {
		if text == "" || len(results) >= t.maxResults {
			return
		}
		// Topic text reads "Title - description"; split on the
		// first separator for a usable title.
		title := text
		snippet := text
		if idx := strings.Index(text, " - "); idx > 0 {
			title = text[:idx]
			snippet = text[idx+3:]
		}
		results = append(results, SearchResult{
			Title:   title,
			URL:     firstURL,
			Snippet: snippet,
		})
	}

	for _, topic := range out.RelatedTopics {
		appendTopic(topic.Text, topic.FirstURL)
		for _, sub := range topic.Topics {
			appendTopic(sub.Text, sub.FirstURL)
		}
	}

	if len(results) > t.maxResults {
		results = results[:t.maxResults]
	}

	return results, nil
}

func (t *WebSearchTool) Invoke(ctx context.Context, tc ToolContext, input json.RawMessage) string {
	if !t.enabled {
		return toolJSON(map[string]string{"error": "Web search is disabled"})
	}

	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(input, &args); err != nil || strings.TrimSpace(args.Query) == "" {
		return toolJSON(map[string]string{"error": "No query provided"})
	}

	t.log.Info("web search", "query", args.Query)

	results, err := t.search(ctx, args.Query)
	if err != nil {
		t.log.Error("search failed", "err", err)
		return toolError("Search failed: %v", err)
	}

	if results == nil {
		results = []SearchResult{}
	}

	t.log.Info("search done", "results", len(results))

	return toolJSON(map[string]any{
		"query":   args.Query,
		"results": results,
	})
}
