package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// apiError mirrors the error body of the scrape API.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorResponse mirrors models.ErrorResponse.
type errorResponse struct {
	Error *apiError `json:"error"`
}

// scrapeResponse mirrors the /api/v1/scrape response.
type scrapeResponse struct {
	Content    *string `json:"content"`
	Error      *string `json:"error"`
	StatusCode int     `json:"status_code"`
	FinalURL   string  `json:"final_url"`
	Code       string  `json:"code"`
}

// jobResponse mirrors the job creation response.
type jobResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// jobStatus mirrors the job status response.
type jobStatus struct {
	ID       string `json:"id"`
	State    string `json:"state"`
	Pending  int    `json:"pending_count"`
	InFlight int    `json:"in_flight_count"`
	Done     int    `json:"done_count"`
	Failed   int    `json:"failed_count"`
	Excluded int    `json:"excluded_count"`
	Records  int    `json:"record_count"`
}

func (s jobStatus) finished() bool {
	return s.State == "completed" || s.State == "aborted"
}

// record mirrors an extracted record.
type record struct {
	SourceURL       string         `json:"source_url"`
	Depth           int            `json:"depth"`
	StatusCode      int            `json:"status_code"`
	Fields          map[string]any `json:"fields"`
	DiscoveredLinks []string       `json:"discovered_links"`
}

// resultsResponse mirrors the job results response.
type resultsResponse struct {
	Records    []record `json:"records"`
	NextCursor int      `json:"next_cursor"`
	Done       bool     `json:"done"`
}

// apiClient calls the scrape HTTP API.
type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func main() {
	apiURL := os.Getenv("SCRAPE_API_URL")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8282"
	}
	api := &apiClient{
		baseURL: strings.TrimRight(apiURL, "/"),
		apiKey:  os.Getenv("SCRAPE_API_KEY"),
		http:    &http.Client{Timeout: 150 * time.Second},
	}

	s := server.NewMCPServer(
		"scrape",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	scrapeURLTool := mcp.NewTool("scrape_url",
		mcp.WithDescription("Fetch a single URL and return its body. 'markdown' and 'text' formats extract the main article content."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The URL to fetch"),
		),
		mcp.WithString("format",
			mcp.Description("Content format: 'raw' (default, body as fetched), 'markdown' or 'text'"),
			mcp.Enum("raw", "markdown", "text"),
		),
		mcp.WithString("proxy",
			mcp.Description("Optional proxy URL, e.g. 'socks5://127.0.0.1:9050'"),
		),
		mcp.WithNumber("timeout_seconds",
			mcp.Description("Fetch deadline in seconds (default: 30, max: 120)"),
		),
	)
	s.AddTool(scrapeURLTool, handleScrapeURL(api))

	crawlSiteTool := mcp.NewTool("crawl_site",
		mcp.WithDescription("Crawl from one or more seed URLs, following links within scope, and return the extracted records. Blocks until the crawl finishes."),
		mcp.WithArray("seeds",
			mcp.Required(),
			mcp.Description("Seed URLs to start from"),
		),
		mcp.WithNumber("max_depth",
			mcp.Description("Maximum link depth from the seeds (default: server setting)"),
		),
		mcp.WithNumber("max_pages",
			mcp.Description("Maximum number of pages to crawl (default: server setting)"),
		),
		mcp.WithString("scope",
			mcp.Description("Link scope: 'host' (same host), 'domain' (same base domain) or 'any'"),
			mcp.Enum("host", "domain", "any"),
		),
		mcp.WithString("ruleset",
			mcp.Description("Named extraction ruleset to apply to every page"),
		),
	)
	s.AddTool(crawlSiteTool, handleCrawlSite(api))

	crawlStatusTool := mcp.NewTool("crawl_status",
		mcp.WithDescription("Report the state and counters of a crawl job."),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("The crawl job id"),
		),
	)
	s.AddTool(crawlStatusTool, handleCrawlStatus(api))

	cancelCrawlTool := mcp.NewTool("cancel_crawl",
		mcp.WithDescription("Cancel a running crawl job. Records already extracted stay available."),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("The crawl job id"),
		),
	)
	s.AddTool(cancelCrawlTool, handleCancelCrawl(api))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

// do sends a request to the scrape API and decodes a 2xx body into out.
// Non-2xx responses are returned as errors using the API's error body.
func (a *apiClient) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.apiKey != "" {
		req.Header.Set("X-API-Key", a.apiKey)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e errorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != nil {
			return fmt.Errorf("[%s] %s", e.Error.Code, e.Error.Message)
		}
		return fmt.Errorf("API returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// waitJob polls a job until it finishes or ctx is cancelled.
func (a *apiClient) waitJob(ctx context.Context, id string) (jobStatus, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		var st jobStatus
		if err := a.do(ctx, http.MethodGet, "/api/v1/jobs/"+id, nil, &st); err != nil {
			return st, err
		}
		if st.finished() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

// allResults pages through a finished job's results.
func (a *apiClient) allResults(ctx context.Context, id string) ([]record, error) {
	var out []record
	cursor := 0
	for {
		var page resultsResponse
		path := fmt.Sprintf("/api/v1/jobs/%s/results?cursor=%d&limit=1000", id, cursor)
		if err := a.do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return out, err
		}
		out = append(out, page.Records...)
		if page.Done || page.NextCursor == cursor {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

func handleScrapeURL(api *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := request.RequireString("url")
		if err != nil {
			return mcp.NewToolResultError("url is required"), nil
		}

		payload := map[string]any{"url": url}
		if f := request.GetString("format", ""); f != "" {
			payload["format"] = f
		}
		if p := request.GetString("proxy", ""); p != "" {
			payload["proxy"] = p
		}
		if t := request.GetInt("timeout_seconds", 0); t > 0 {
			payload["timeout_seconds"] = t
		}

		// /scrape relays upstream failures with a body, so decode it whatever the status.
		data, err := json.Marshal(payload)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to marshal request: %v", err)), nil
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, api.baseURL+"/api/v1/scrape", bytes.NewReader(data))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to create request: %v", err)), nil
		}
		req.Header.Set("Content-Type", "application/json")
		if api.apiKey != "" {
			req.Header.Set("X-API-Key", api.apiKey)
		}

		resp, err := api.http.Do(req)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("API request failed: %v", err)), nil
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to read response: %v", err)), nil
		}

		var sr scrapeResponse
		if err := json.Unmarshal(body, &sr); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse response: %v", err)), nil
		}
		if sr.Error != nil {
			return mcp.NewToolResultError(*sr.Error), nil
		}
		if sr.Content == nil {
			var e errorResponse
			if json.Unmarshal(body, &e) == nil && e.Error != nil {
				return mcp.NewToolResultError(fmt.Sprintf("[%s] %s", e.Error.Code, e.Error.Message)), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("scrape failed with status %d", resp.StatusCode)), nil
		}

		result := *sr.Content
		if sr.FinalURL != "" && sr.FinalURL != url {
			result = fmt.Sprintf("Source: %s\n\n%s", sr.FinalURL, result)
		}
		return mcp.NewToolResultText(result), nil
	}
}

func handleCrawlSite(api *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		seeds, err := request.RequireStringSlice("seeds")
		if err != nil || len(seeds) == 0 {
			return mcp.NewToolResultError("seeds is required and must be an array of strings"), nil
		}

		cfg := map[string]any{}
		if args := request.GetArguments(); args["max_depth"] != nil {
			cfg["max_depth"] = request.GetInt("max_depth", 0)
		}
		if n := request.GetInt("max_pages", 0); n > 0 {
			cfg["max_pages"] = n
		}
		if s := request.GetString("scope", ""); s != "" {
			cfg["scope"] = s
		}
		if r := request.GetString("ruleset", ""); r != "" {
			cfg["ruleset"] = r
		}

		var job jobResponse
		if err := api.do(ctx, http.MethodPost, "/api/v1/jobs", map[string]any{"seeds": seeds, "config": cfg}, &job); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("crawl request failed: %v", err)), nil
		}

		st, err := api.waitJob(ctx, job.ID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("polling crawl job %s failed: %v", job.ID, err)), nil
		}

		records, err := api.allResults(ctx, job.ID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("fetching results of %s failed: %v", job.ID, err)), nil
		}

		var sb strings.Builder
		sb.WriteString(formatStatus(st))
		for _, rec := range records {
			sb.WriteString("\n\n---\n")
			sb.WriteString(formatRecord(rec))
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}

func handleCrawlStatus(api *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("job_id")
		if err != nil {
			return mcp.NewToolResultError("job_id is required"), nil
		}
		var st jobStatus
		if err := api.do(ctx, http.MethodGet, "/api/v1/jobs/"+id, nil, &st); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(formatStatus(st)), nil
	}
}

func handleCancelCrawl(api *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("job_id")
		if err != nil {
			return mcp.NewToolResultError("job_id is required"), nil
		}
		if err := api.do(ctx, http.MethodDelete, "/api/v1/jobs/"+id, nil, nil); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Crawl job %s cancelled.", id)), nil
	}
}

func formatStatus(st jobStatus) string {
	return fmt.Sprintf("Job %s: %s (done %d, failed %d, excluded %d, pending %d, in flight %d, records %d)",
		st.ID, st.State, st.Done, st.Failed, st.Excluded, st.Pending, st.InFlight, st.Records)
}

func formatRecord(rec record) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Source: %s (depth %d, status %d)\n", rec.SourceURL, rec.Depth, rec.StatusCode)
	if title, ok := rec.Fields["title"].(string); ok && title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", title)
	}
	if len(rec.Fields) > 0 {
		fields, err := json.MarshalIndent(rec.Fields, "", "  ")
		if err == nil {
			sb.WriteString("Fields:\n")
			sb.Write(fields)
			sb.WriteString("\n")
		}
	}
	if len(rec.DiscoveredLinks) > 0 {
		fmt.Fprintf(&sb, "Links: %d discovered", len(rec.DiscoveredLinks))
	}
	return sb.String()
}
