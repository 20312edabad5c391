package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/config"
)

// Response shapes of the gateway endpoints the status command reads.

type healthzStatus struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Backend string `json:"backend"`
}

type backendsStatus struct {
	Chain    []string                `json:"chain"`
	Current  string                  `json:"current"`
	Backends []string                `json:"backends"`
	Health   map[string]healthProbe  `json:"health"`
	Open     map[string]bool         `json:"open"`
	Circuits map[string]circuitState `json:"circuits"`
}

type healthProbe struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

type circuitState struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenUntil           time.Time `json:"open_until,omitempty"`
}

type agentStats struct {
	TotalAgents             int            `json:"total_agents"`
	LeaderID                string         `json:"leader_id,omitempty"`
	Workers                 int            `json:"workers"`
	ByStatus                map[string]int `json:"by_status"`
	HeartbeatTimeoutSeconds float64        `json:"heartbeat_timeout_seconds"`
}

type toolsStatus struct {
	Count int `json:"count"`
}

type apiClient struct {
	baseURL    string
	token      string
	apiKey     string
	httpClient *http.Client
}

func newAPIClient(baseURL, token, apiKey string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *apiClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if readErr != nil {
			return fmt.Errorf("request %s failed: %s (read body: %w)", path, resp.Status, readErr)
		}
		if len(body) > 0 {
			return fmt.Errorf("request %s failed: %s (%s)", path, resp.Status, strings.TrimSpace(string(body)))
		}
		return fmt.Errorf("request %s failed: %s", path, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// resolveBaseURL picks the gateway address from the flag or the config.
func resolveBaseURL(configPath, serverAddr string) (string, error) {
	addr := strings.TrimSpace(serverAddr)
	if addr == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return "", fmt.Errorf("load config: %w", err)
		}
		host := cfg.Server.Host
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "localhost"
		}
		addr = fmt.Sprintf("%s:%d", host, cfg.Server.Port)
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/"), nil
	}
	return "http://" + strings.TrimRight(addr, "/"), nil
}

// printGatewayStatus queries a running gateway and renders its state.
func printGatewayStatus(ctx context.Context, out io.Writer, jsonOutput bool, configPath, serverAddr, token, apiKey string) error {
	baseURL, err := resolveBaseURL(configPath, serverAddr)
	if err != nil {
		return err
	}
	client := newAPIClient(baseURL, token, apiKey)

	var health healthzStatus
	if err := client.getJSON(ctx, "/healthz", &health); err != nil {
		return fmt.Errorf("gateway unreachable at %s: %w", baseURL, err)
	}

	// Secondary surfaces are optional; auth or older builds may withhold
	// them.
	var chain backendsStatus
	chainErr := client.getJSON(ctx, "/api/backends", &chain)
	var agents agentStats
	agentsErr := client.getJSON(ctx, "/v1/agents/stats", &agents)
	var tools toolsStatus
	toolsErr := client.getJSON(ctx, "/v1/tools", &tools)

	if jsonOutput {
		payload := map[string]any{
			"version": version,
			"commit":  commit,
			"gateway": health,
		}
		if chainErr == nil {
			payload["backends"] = chain
		}
		if agentsErr == nil {
			payload["agents"] = agents
		}
		if toolsErr == nil {
			payload["tools"] = tools
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}

	fmt.Fprintln(out, "RELAY STATUS")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Gateway: %s (%s)\n", baseURL, health.Status)
	fmt.Fprintf(out, "Uptime: %s\n", health.Uptime)
	fmt.Fprintf(out, "CLI: %s (commit: %s)\n", version, commit)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Backends")
	if chainErr != nil {
		fmt.Fprintf(out, "   Unavailable: %v\n", chainErr)
	} else {
		fmt.Fprintf(out, "   Chain: %s\n", strings.Join(chain.Chain, " -> "))
		if chain.Current != "" {
			fmt.Fprintf(out, "   Current: %s\n", chain.Current)
		}
		for _, name := range chain.Backends {
			state := "unknown"
			if probe, ok := chain.Health[name]; ok {
				if probe.OK {
					state = "healthy"
				} else {
					state = "unhealthy"
					if probe.Detail != "" {
						state += " (" + probe.Detail + ")"
					}
				}
			}
			if chain.Open[name] {
				state += ", circuit open"
			}
			fmt.Fprintf(out, "   %s: %s\n", name, state)
		}
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Agents")
	if agentsErr != nil {
		fmt.Fprintf(out, "   Unavailable: %v\n", agentsErr)
	} else {
		fmt.Fprintf(out, "   Registered: %d (%d workers)\n", agents.TotalAgents, agents.Workers)
		if agents.LeaderID != "" {
			fmt.Fprintf(out, "   Leader: %s\n", agents.LeaderID)
		} else {
			fmt.Fprintln(out, "   Leader: none")
		}
		for status, count := range agents.ByStatus {
			fmt.Fprintf(out, "   %s: %d\n", status, count)
		}
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Tools")
	if toolsErr != nil {
		fmt.Fprintf(out, "   Unavailable: %v\n", toolsErr)
	} else {
		fmt.Fprintf(out, "   Discovered: %d\n", tools.Count)
	}

	return nil
}
