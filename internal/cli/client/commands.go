// Package client provides the ctl commands that drive a running tunnel
// daemon through its REST API.
package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/net/websocket"

	"github.com/rennerdo30/bifrost-tunnel/internal/api"
	"github.com/rennerdo30/bifrost-tunnel/internal/connectivity"
	"github.com/rennerdo30/bifrost-tunnel/internal/session"
)

// DefaultAPIURL is the address the daemon API listens on by default.
const DefaultAPIURL = "http://127.0.0.1:7390"

// APIClient is a client for the daemon REST API.
type APIClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
	Out     io.Writer
}

// NewAPIClient creates a new API client.
func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: 10 * time.Second},
		Out:     os.Stdout,
	}
}

// NewCommands creates the ctl commands.
func NewCommands() *cobra.Command {
	var apiURL string
	var apiToken string

	root := &cobra.Command{
		Use:   "ctl",
		Short: "Control a running tunnel daemon",
	}

	root.PersistentFlags().StringVar(&apiURL, "api", DefaultAPIURL, "API server URL")
	root.PersistentFlags().StringVar(&apiToken, "token", "", "API authentication token")

	newClient := func(cmd *cobra.Command) *APIClient {
		c := NewAPIClient(apiURL, apiToken)
		c.Out = cmd.OutOrStdout()
		return c
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show session and tunnel status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(cmd).ShowStatus()
		},
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check daemon health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(cmd).CheckHealth()
		},
	}

	connectivityCmd := &cobra.Command{
		Use:   "connectivity",
		Short: "Show underlying network connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(cmd).ShowConnectivity()
		},
	}

	var watchCount int
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream connectivity changes",
		Long: `Stream connectivity changes from the daemon until interrupted.

Example:
  bifrost-tunnel ctl watch
  bifrost-tunnel ctl watch -n 5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(cmd).WatchConnectivity(watchCount)
		},
	}
	watchCmd.Flags().IntVarP(&watchCount, "count", "n", 0, "Stop after this many changes (0 = unlimited)")

	tunnelCmd := &cobra.Command{
		Use:   "tunnel",
		Short: "Tunnel device commands",
	}

	tunnelRecreateCmd := &cobra.Command{
		Use:   "recreate",
		Short: "Rebuild the tunnel device from the current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(cmd).RecreateTunnel()
		},
	}

	tunnelStaleCmd := &cobra.Command{
		Use:   "stale",
		Short: "Mark the tunnel device stale so the next request rebuilds it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(cmd).MarkStale()
		},
	}

	tunnelCloseCmd := &cobra.Command{
		Use:   "close",
		Short: "Close the tunnel device",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(cmd).CloseTunnel()
		},
	}

	tunnelCmd.AddCommand(tunnelRecreateCmd, tunnelStaleCmd, tunnelCloseCmd)

	root.AddCommand(statusCmd, healthCmd, connectivityCmd, watchCmd, tunnelCmd)

	return root
}

func (c *APIClient) doRequest(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}

	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.Client.Do(req)
}

func (c *APIClient) getJSON(path string, v any) error {
	return c.call(http.MethodGet, path, v)
}

func (c *APIClient) postJSON(path string, v any) error {
	return c.call(http.MethodPost, path, v)
}

func (c *APIClient) call(method, path string, v any) error {
	resp, err := c.doRequest(method, path, nil)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	return json.NewDecoder(resp.Body).Decode(v)
}

// apiError extracts the error message the API returned.
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("API error: %s - %s", resp.Status, e.Error)
	}
	return fmt.Errorf("API error: %s - %s", resp.Status, strings.TrimSpace(string(body)))
}

// ShowStatus displays the session status.
func (c *APIClient) ShowStatus() error {
	var st session.Status
	if err := c.getJSON("/api/v1/status", &st); err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Session:\t%d\n", st.Session)
	fmt.Fprintf(w, "Started:\t%v\n", st.Started)
	if st.Uptime != "" {
		fmt.Fprintf(w, "Uptime:\t%s\n", st.Uptime)
	}
	fmt.Fprintf(w, "Tunnel:\t%s\n", tunnelState(st))
	if st.Tunnel.Interface != "" {
		fmt.Fprintf(w, "Interface:\t%s\n", st.Tunnel.Interface)
	}
	if st.Tunnel.Kind != "" {
		fmt.Fprintf(w, "Last Result:\t%s\n", st.Tunnel.Kind)
	}
	fmt.Fprintf(w, "MTU:\t%d\n", st.Tunnel.Config.MTU)
	fmt.Fprintf(w, "Connectivity:\t%s\n", connectedState(st.Connectivity.Connected))
	return w.Flush()
}

func tunnelState(st session.Status) string {
	switch {
	case !st.Tunnel.Open:
		return "closed"
	case st.Tunnel.Stale:
		return "open (stale)"
	default:
		return "open"
	}
}

func connectedState(connected bool) string {
	if connected {
		return "connected"
	}
	return "disconnected"
}

// CheckHealth checks the daemon health.
func (c *APIClient) CheckHealth() error {
	var health map[string]any
	if err := c.getJSON("/api/v1/health", &health); err != nil {
		return err
	}

	fmt.Fprintf(c.Out, "Health: %v\n", health["status"])
	fmt.Fprintf(c.Out, "Time: %v\n", health["time"])
	return nil
}

// ShowConnectivity lists the networks the daemon currently considers
// usable.
func (c *APIClient) ShowConnectivity() error {
	var conn session.Connectivity
	if err := c.getJSON("/api/v1/connectivity", &conn); err != nil {
		return err
	}

	fmt.Fprintf(c.Out, "Connectivity: %s (IPv4: %v, IPv6: %v)\n",
		connectedState(conn.Connected), conn.State.IPv4, conn.State.IPv6)

	if len(conn.Networks) == 0 {
		fmt.Fprintln(c.Out, "No networks available")
		return nil
	}

	w := tabwriter.NewWriter(c.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tNAME\tIPV4\tIPV6")
	for _, n := range conn.Networks {
		fmt.Fprintf(w, "%d\t%s\t%v\t%v\n", n.Index, n.Name, n.IPv4, n.IPv6)
	}
	return w.Flush()
}

// RecreateTunnel asks the daemon to rebuild the tunnel device.
func (c *APIClient) RecreateTunnel() error {
	var resp api.ResultResponse
	if err := c.postJSON("/api/v1/tunnel/recreate", &resp); err != nil {
		return err
	}

	fmt.Fprintf(c.Out, "Result: %s\n", resp.Kind)
	if resp.Interface != "" {
		fmt.Fprintf(c.Out, "Interface: %s\n", resp.Interface)
	}
	if len(resp.Rejected) > 0 {
		fmt.Fprintf(c.Out, "Rejected: %s\n", strings.Join(resp.Rejected, ", "))
	}
	if !resp.Open {
		if resp.Error != "" {
			return fmt.Errorf("tunnel unavailable: %s", resp.Error)
		}
		return fmt.Errorf("tunnel unavailable: %s", resp.Kind)
	}
	return nil
}

// MarkStale marks the tunnel device stale.
func (c *APIClient) MarkStale() error {
	var resp map[string]string
	if err := c.postJSON("/api/v1/tunnel/stale", &resp); err != nil {
		return err
	}
	fmt.Fprintln(c.Out, resp["message"])
	return nil
}

// CloseTunnel closes the tunnel device.
func (c *APIClient) CloseTunnel() error {
	var resp map[string]string
	if err := c.postJSON("/api/v1/tunnel/close", &resp); err != nil {
		return err
	}
	fmt.Fprintln(c.Out, resp["message"])
	return nil
}

// eventsURL derives the websocket URL of the connectivity stream.
func (c *APIClient) eventsURL() (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid API URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported API URL scheme: %s", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/connectivity/events"
	if c.Token != "" {
		q := u.Query()
		q.Set("token", c.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// WatchConnectivity prints the connectivity snapshot followed by every
// change. It returns after count changes, or when the stream ends if count
// is zero.
func (c *APIClient) WatchConnectivity(count int) error {
	wsURL, err := c.eventsURL()
	if err != nil {
		return err
	}

	ws, err := websocket.Dial(wsURL, "", c.BaseURL)
	if err != nil {
		return fmt.Errorf("connect event stream: %w", err)
	}
	defer ws.Close()

	var msg struct {
		Type      string          `json:"type"`
		Timestamp string          `json:"timestamp"`
		Data      json.RawMessage `json:"data"`
	}

	for seen := 0; count <= 0 || seen < count; {
		if err := websocket.JSON.Receive(ws, &msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}

		switch msg.Type {
		case api.EventSnapshot:
			var conn session.Connectivity
			if err := json.Unmarshal(msg.Data, &conn); err != nil {
				return fmt.Errorf("decode snapshot: %w", err)
			}
			fmt.Fprintf(c.Out, "%s  %s (%d networks)\n",
				msg.Timestamp, connectedState(conn.Connected), len(conn.Networks))
		case api.EventChange:
			var ev connectivity.Event
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			fmt.Fprintf(c.Out, "%s  %s (%d networks)\n",
				msg.Timestamp, connectedState(ev.Connected), ev.Networks)
			seen++
		case api.EventError:
			var reason string
			_ = json.Unmarshal(msg.Data, &reason)
			return fmt.Errorf("event stream: %s", reason)
		}
	}
	return nil
}
