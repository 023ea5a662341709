package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/hookwire/hookwire/internal/config"
	"github.com/hookwire/hookwire/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a running broker",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.Port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(base + "/health")
	if err != nil {
		fmt.Printf("Broker:        not running (%s)\n", base)
		return nil
	}
	resp.Body.Close()
	fmt.Printf("Broker:        running (%s)\n", base)

	var tun struct {
		Status    string `json:"status"`
		Mode      string `json:"mode"`
		PublicURL string `json:"public_url"`
	}
	if err := callTool(client, base, "get_tunnel_status", &tun); err != nil {
		return err
	}
	if tun.PublicURL != "" {
		fmt.Printf("Tunnel:        %s (%s) %s\n", tun.Status, tun.Mode, tun.PublicURL)
	} else {
		fmt.Printf("Tunnel:        %s\n", tun.Status)
	}

	var subs struct {
		Subscriptions []*types.Subscription `json:"subscriptions"`
	}
	if err := callTool(client, base, "list_subscriptions", &subs); err != nil {
		return err
	}
	fmt.Printf("Subscriptions: %d\n", len(subs.Subscriptions))
	for _, sub := range subs.Subscriptions {
		service := sub.ServiceTag
		if service == "" {
			service = "webhook"
		}
		fmt.Printf("  %s  %s  %s  %s  %d events\n",
			sub.ID, sub.SessionID, service, sub.Status, sub.EventCount)
	}
	return nil
}

// callTool invokes one control-plane tool over the local JSON-RPC endpoint.
func callTool(client *http.Client, base, tool string, out any) error {
	reqBody, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  tool,
		"params":  map[string]any{},
	})
	if err != nil {
		return err
	}

	resp, err := client.Post(base+"/mcp", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("calling %s: %w", tool, err)
	}
	defer resp.Body.Close()

	var rpc struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
		return fmt.Errorf("decoding %s response: %w", tool, err)
	}
	if rpc.Error != nil {
		return fmt.Errorf("%s: %s (code %d)", tool, rpc.Error.Message, rpc.Error.Code)
	}
	return json.Unmarshal(rpc.Result, out)
}
