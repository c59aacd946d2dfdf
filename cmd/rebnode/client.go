package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	agentAddr string
	apiKey    string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&agentAddr, "addr", "127.0.0.1:62050", "agent API address")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("REBNODE_API_KEY"), "API key (or REBNODE_API_KEY)")
}

func apiClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func apiURL(path string) string {
	return "http://" + agentAddr + path
}

func newRequest(method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, apiURL(path), body)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func apiGet(path string, v any) error {
	req, err := newRequest(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := apiClient().Do(req)
	if err != nil {
		return fmt.Errorf("connecting to agent: %w (is rebnode agent running?)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}

	return json.NewDecoder(resp.Body).Decode(v)
}

func apiPost(path string, payload any) (map[string]any, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := newRequest(http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	resp, err := apiClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to agent: %w (is rebnode agent running?)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	return result, nil
}

// session is a live controller channel to the agent. Lifecycle
// operations require one; the agent rejects them otherwise.
type session struct {
	resp   *http.Response
	events chan sseEvent
}

type sseEvent struct {
	Kind string
	Data string
}

// openSession connects the SSE session stream and waits for the agent's
// hello. Events are readable from s.events until the stream closes.
func openSession() (*session, error) {
	req, err := newRequest(http.MethodGet, "/v1/session", nil)
	if err != nil {
		return nil, err
	}
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to agent: %w (is rebnode agent running?)", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		return nil, fmt.Errorf("session rejected (%d): %s", resp.StatusCode, body)
	}

	s := &session{resp: resp, events: make(chan sseEvent, 64)}
	go s.read()

	select {
	case ev := <-s.events:
		if ev.Kind != "hello" {
			s.Close()
			return nil, fmt.Errorf("unexpected first event %q", ev.Kind)
		}
	case <-time.After(5 * time.Second):
		s.Close()
		return nil, fmt.Errorf("timed out waiting for session hello")
	}

	return s, nil
}

// read parses the SSE wire format into events.
func (s *session) read() {
	defer close(s.events)

	var kind string
	var data []string
	scanner := bufio.NewScanner(s.resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			kind = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		case line == "" && kind != "":
			s.events <- sseEvent{Kind: kind, Data: strings.Join(data, "\n")}
			kind, data = "", nil
		}
	}
}

func (s *session) Close() {
	s.resp.Body.Close()
}

// waitFor blocks until an event of the given kind arrives.
func (s *session) waitFor(kind string, timeout time.Duration) error {
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				return fmt.Errorf("session closed while waiting for %q", kind)
			}
			if ev.Kind == kind {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("timed out waiting for %q", kind)
		}
	}
}

var (
	labelStyle = lipgloss.NewStyle().Bold(true).Width(10)
	upStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	downStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent and engine status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st struct {
			Running bool   `json:"running"`
			Version string `json:"version"`
			Peer    string `json:"peer"`
		}
		if err := apiGet("/v1/status", &st); err != nil {
			return err
		}

		state := downStyle.Render("stopped")
		if st.Running {
			state = upStyle.Render("running")
		}
		fmt.Println(labelStyle.Render("engine"), state)
		if st.Version != "" {
			fmt.Println(labelStyle.Render("version"), st.Version)
		}
		if st.Peer != "" {
			fmt.Println(labelStyle.Render("session"), st.Peer)
		} else {
			fmt.Println(labelStyle.Render("session"), "none")
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the running engine version",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Version string `json:"version"`
		}
		if err := apiGet("/v1/version", &resp); err != nil {
			return err
		}
		fmt.Println(resp.Version)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := apiPost("/v1/stop", nil)
		if err != nil {
			return err
		}
		fmt.Println(result["status"])
		return nil
	},
}

var updateCoreCmd = &cobra.Command{
	Use:   "update-core <version>",
	Short: "Install an xray-core release",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := apiPost("/v1/core/update", map[string]string{"version": args[0]})
		if err != nil {
			return err
		}
		fmt.Println(result["detail"])
		return nil
	},
}

var updateGeoCmd = &cobra.Command{
	Use:   "update-geo <name=url>...",
	Short: "Download geo asset files",
	Long:  "Download a batch of geo assets, e.g. geoip.dat=https://example.com/geoip.dat. The first failure aborts the whole batch.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		type assetFile struct {
			Name string `json:"name"`
			URL  string `json:"url"`
		}
		var files []assetFile
		for _, arg := range args {
			name, url, ok := strings.Cut(arg, "=")
			if !ok {
				return fmt.Errorf("invalid asset %q, expected name=url", arg)
			}
			files = append(files, assetFile{Name: name, URL: url})
		}

		result, err := apiPost("/v1/geo/update", map[string]any{"files": files})
		if err != nil {
			return err
		}
		fmt.Println(result["detail"])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(updateCoreCmd)
	rootCmd.AddCommand(updateGeoCmd)
}
