package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/replayd/internal/config"
	"github.com/jmylchreest/replayd/internal/control"
	"github.com/jmylchreest/replayd/internal/session"
)

// daemonClient talks to a running daemon over HTTP or gRPC.
type daemonClient interface {
	SaveClip(ctx context.Context, async bool) (*control.SaveClipResponse, error)
	Status(ctx context.Context) (*session.Status, error)
	Close() error
}

// addClientFlags registers the flags shared by commands that talk to the daemon.
func addClientFlags(c *cobra.Command) {
	c.Flags().Bool("grpc", false, "use the gRPC control service instead of HTTP")
	c.Flags().String("addr", "", "daemon address (default from server or grpc config)")
	c.Flags().Duration("timeout", time.Minute, "request timeout")
}

// newDaemonClient builds a client from the command flags and configuration.
func newDaemonClient(c *cobra.Command, cfg *config.Config) (daemonClient, error) {
	useGRPC, _ := c.Flags().GetBool("grpc")
	addr, _ := c.Flags().GetString("addr")

	if useGRPC {
		if addr == "" {
			addr = cfg.GRPC.Address
		}
		client, err := control.Dial(addr)
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	if addr == "" {
		addr = cfg.Server.Address()
	}
	return newAPIClient(addr), nil
}

// apiClient calls the daemon's HTTP API.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(addr string) *apiClient {
	return &apiClient{
		baseURL: "http://" + addr,
		http:    &http.Client{},
	}
}

func (c *apiClient) SaveClip(ctx context.Context, async bool) (*control.SaveClipResponse, error) {
	target := c.baseURL + "/api/v1/export?" + url.Values{"async": {strconv.FormatBool(async)}}.Encode()
	var resp control.SaveClipResponse
	if err := c.do(ctx, http.MethodPost, target, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *apiClient) Status(ctx context.Context) (*session.Status, error) {
	var status session.Status
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/api/v1/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *apiClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *apiClient) do(ctx context.Context, method, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var problem huma.ErrorModel
		if json.Unmarshal(body, &problem) == nil && problem.Detail != "" {
			return fmt.Errorf("%s: %s", resp.Status, problem.Detail)
		}
		return errors.New(resp.Status)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
