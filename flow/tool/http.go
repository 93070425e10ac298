package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dshills/pipeflow/flow/schema"
)

// HTTPRequestName is the id of the HTTP tool.
const HTTPRequestName = "http.request"

const maxResponseBody = 10 << 20

// HTTPTool performs an HTTP request.
//
// Arguments:
//   - method: GET, POST, PUT, PATCH or DELETE (default GET)
//   - url: target URL (required)
//   - headers: optional map of header values
//   - body: string sent as-is, anything else JSON-encoded
//
// Data carries status, headers, body and, for JSON responses, json. A
// status of 400 or above yields an unsuccessful result.
type HTTPTool struct {
	client *http.Client
}

// NewHTTPTool creates an HTTP tool. A nil client uses a default one; the
// deadline comes from the call context.
func NewHTTPTool(client *http.Client) *HTTPTool {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTool{client: client}
}

// Name implements Tool.
func (h *HTTPTool) Name() string { return HTTPRequestName }

// Schema implements Tool.
func (h *HTTPTool) Schema() schema.Schema {
	return schema.Schema{Properties: map[string]schema.Property{
		"method":  {Type: "string", Default: "GET"},
		"url":     {Type: "string", Required: true},
		"headers": {Type: "map(string)"},
		"body":    {Description: "request body"},
	}}
}

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// Call implements Tool.
func (h *HTTPTool) Call(ctx context.Context, args map[string]interface{}) (*Result, error) {
	urlStr := stringArg(args, "url")
	if urlStr == "" {
		return nil, fmt.Errorf("url parameter required (string)")
	}

	method := http.MethodGet
	if m := stringArg(args, "method"); m != "" {
		method = strings.ToUpper(m)
	}
	if !allowedMethods[method] {
		return nil, fmt.Errorf("unsupported HTTP method: %s", method)
	}

	var body io.Reader
	jsonBody := false
	switch b := args["body"].(type) {
	case nil:
	case string:
		if b != "" {
			body = strings.NewReader(b)
		}
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to encode body: %w", err)
		}
		body = bytes.NewReader(data)
		jsonBody = true
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if jsonBody {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := args["headers"].(map[string]interface{}); ok {
		for key, value := range headers {
			if s, ok := value.(string); ok {
				req.Header.Set(key, s)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	respHeaders := make(map[string]interface{}, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) == 1 {
			respHeaders[key] = values[0]
		} else {
			list := make([]interface{}, len(values))
			for i, v := range values {
				list[i] = v
			}
			respHeaders[key] = list
		}
	}

	data := map[string]interface{}{
		"status":  resp.StatusCode,
		"headers": respHeaders,
		"body":    string(respBody),
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var decoded interface{}
		if err := json.Unmarshal(respBody, &decoded); err == nil {
			data["json"] = decoded
		}
	}

	if resp.StatusCode >= 400 {
		data["error"] = fmt.Sprintf("%s %s: %s", method, urlStr, resp.Status)
		return &Result{Success: false, Data: data}, nil
	}
	return OK(data), nil
}
