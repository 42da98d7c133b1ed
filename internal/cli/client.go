package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/randalmurphal/boardflow/internal/config"
	"github.com/randalmurphal/boardflow/internal/tui"
)

// apiClient talks to a running orchestrator's operator API. It
// implements tui.Source for the watch view.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(cfg *config.Config) *apiClient {
	return &apiClient{
		baseURL: serverBaseURL(cfg.Server.Listen),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// serverBaseURL turns a listen address into a dialable URL. A bare
// ":7171" listen binds all interfaces; dial it via localhost.
func serverBaseURL(listen string) string {
	if listen == "" {
		listen = "127.0.0.1:7113"
	}
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	if port, ok := strings.CutPrefix(listen, "0.0.0.0:"); ok {
		listen = "127.0.0.1:" + port
	}
	return "http://" + listen
}

func (c *apiClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *apiClient) post(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *apiClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: HTTP %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(body, out)
	}
	return nil
}

// Snapshot implements tui.Source.
func (c *apiClient) Snapshot(ctx context.Context) (tui.Snapshot, error) {
	var snap tui.Snapshot
	if err := c.get(ctx, "/api/status", &snap); err != nil {
		return tui.Snapshot{}, err
	}
	return snap, nil
}

func (c *apiClient) Sync(ctx context.Context) error {
	return c.post(ctx, "/api/sync", nil)
}

// loadConfig loads the layered configuration for the current directory.
func loadConfig() (*config.Config, error) {
	workDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("determine working directory: %w", err)
	}
	cfg, err := config.Load(workDir)
	if err != nil {
		return nil, err
	}
	if cfgFile != "" {
		// An explicit --config file overrides the project config.
		if err := config.MergeFile(cfg, cfgFile); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
