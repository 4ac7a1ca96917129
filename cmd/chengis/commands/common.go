// Package commands defines the chengis CLI command tree.
package commands

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"

	derrors "github.com/chengis/chengis/internal/foundation/errors"
	"github.com/chengis/chengis/internal/logging"
)

// Global carries state shared by all subcommands.
type Global struct {
	Verbose bool
}

// CLI is the root command definition.
type CLI struct {
	Config  string           `short:"c" help:"Configuration file path" default:""`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Job    JobCmd    `cmd:"" help:"Manage registered jobs"`
	Build  BuildCmd  `cmd:"" help:"Trigger, inspect, and cancel builds"`
	Server ServerCmd `cmd:"" help:"Run the coordinator"`
	Agent  AgentCmd  `cmd:"" help:"Run a build agent"`
}

// AfterApply runs after flag parsing; set up logging once.
func (c *CLI) AfterApply() error {
	if c.Verbose && os.Getenv(logging.EnvLogLevel) == "" {
		_ = os.Setenv(logging.EnvLogLevel, "debug")
	}
	logging.Setup(os.Stderr)
	return nil
}

// apiClient is a thin JSON client for the coordinator API.
type apiClient struct {
	base   string
	client *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{base: base, client: &http.Client{Timeout: 30 * time.Second}}
}

func (c *apiClient) do(method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return derrors.InternalError("request marshaling failed").WithCause(err).Build()
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return derrors.NetworkError("request construction failed").WithCause(err).Build()
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return derrors.NetworkError("coordinator unreachable").
			WithContext("url", c.base+path).
			WithCause(err).
			Build()
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return derrors.InternalError("response decoding failed").WithCause(err).Build()
		}
	}
	return nil
}

// decodeAPIError rebuilds a classified error from the API's error body so
// exit codes match server-side categories.
func decodeAPIError(resp *http.Response) error {
	var body struct {
		Error    string `json:"error"`
		Category string `json:"category"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		return derrors.NetworkError("request failed").
			WithContext("http-status", resp.StatusCode).
			Build()
	}
	category := derrors.ErrorCategory(body.Category)
	if category == "" {
		category = derrors.CategoryInternal
	}
	return derrors.NewError(category, body.Error).
		WithContext("http-status", resp.StatusCode).
		Build()
}

// printJSON writes an API payload to stdout for scripting.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return derrors.InternalError("output encoding failed").WithCause(err).Build()
	}
	return nil
}
