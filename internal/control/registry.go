// Package control is the broker's management surface: a tool registry
// dispatched from JSON-RPC requests, and an SSE notifier that streams
// change signals to connected agents.
package control

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hookwire/hookwire/internal/storage"
	"github.com/hookwire/hookwire/internal/tunnel"
	"github.com/hookwire/hookwire/internal/types"
)

// ToolFunc handles one named tool invocation.
type ToolFunc func(ctx context.Context, args json.RawMessage) (any, error)

// ErrUnknownTool is returned by Call for a name with no handler.
type ErrUnknownTool struct{ Name string }

func (e *ErrUnknownTool) Error() string { return fmt.Sprintf("unknown tool %q", e.Name) }

// Registry maps tool names to handlers over the store and the tunnel
// supervisor.
type Registry struct {
	store     *storage.Store
	tunnel    *tunnel.Supervisor
	localPort int
	tools     map[string]ToolFunc
}

// NewRegistry builds the registry with the full tool set.
func NewRegistry(store *storage.Store, tun *tunnel.Supervisor, localPort int) *Registry {
	r := &Registry{store: store, tunnel: tun, localPort: localPort}
	r.tools = map[string]ToolFunc{
		"create_subscription":    r.createSubscription,
		"list_subscriptions":     r.listSubscriptions,
		"update_subscription":    r.updateSubscription,
		"delete_subscription":    r.deleteSubscription,
		"get_event_payload":      r.getEventPayload,
		"get_public_webhook_url": r.getPublicWebhookURL,
		"start_tunnel":           r.startTunnel,
		"stop_tunnel":            r.stopTunnel,
		"start_quick_tunnel":     r.startQuickTunnel,
		"get_tunnel_status":      r.getTunnelStatus,
	}
	return r
}

// Tools returns the registered tool names, for discovery responses.
func (r *Registry) Tools() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Call dispatches one tool invocation by name.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	tool, ok := r.tools[name]
	if !ok {
		return nil, &ErrUnknownTool{Name: name}
	}
	return tool(ctx, args)
}

// baseURL is the externally reachable prefix for webhook URLs: the
// tunnel's public URL when active, the loopback bind otherwise.
func (r *Registry) baseURL() string {
	if r.tunnel != nil {
		if url := r.tunnel.PublicURL(); url != "" {
			return url
		}
	}
	return fmt.Sprintf("http://127.0.0.1:%d", r.localPort)
}

func (r *Registry) webhookURL(subscriptionID string) string {
	return r.baseURL() + "/webhook/" + subscriptionID
}

type createSubscriptionArgs struct {
	SessionID     string `json:"session_id"`
	Service       string `json:"service"`
	Name          string `json:"name"`
	HMACSecret    string `json:"hmac_secret"`
	HMACHeader    string `json:"hmac_header"`
	Prompt        string `json:"prompt"`
	JQFilter      string `json:"jq_filter"`
	SummaryFilter string `json:"summary_filter"`
	OneShot       bool   `json:"one_shot"`
}

func (r *Registry) createSubscription(ctx context.Context, raw json.RawMessage) (any, error) {
	var args createSubscriptionArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.SessionID == "" {
		return nil, fmt.Errorf("create_subscription: session_id is required")
	}

	sub := &types.Subscription{
		SessionID:       args.SessionID,
		ServiceTag:      args.Service,
		DisplayName:     args.Name,
		Secret:          args.HMACSecret,
		SignatureHeader: args.HMACHeader,
		Prompt:          args.Prompt,
		GateExpr:        args.JQFilter,
		SummaryExpr:     args.SummaryFilter,
		OneShot:         args.OneShot,
	}
	if err := r.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	url := r.webhookURL(sub.ID)
	sub.WebhookURL = url
	if err := r.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	return map[string]string{"id": sub.ID, "webhook_url": url}, nil
}

type listSubscriptionsArgs struct {
	SessionID string `json:"session_id"`
}

func (r *Registry) listSubscriptions(ctx context.Context, raw json.RawMessage) (any, error) {
	var args listSubscriptionsArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	var (
		subs []*types.Subscription
		err  error
	)
	if args.SessionID != "" {
		subs, err = r.store.ListSubscriptionsBySession(ctx, args.SessionID)
	} else {
		subs, err = r.store.ListSubscriptions(ctx)
	}
	if err != nil {
		return nil, err
	}
	if subs == nil {
		subs = []*types.Subscription{}
	}
	return map[string]any{"subscriptions": subs}, nil
}

// updateSubscriptionArgs uses pointers so absent fields are left alone.
type updateSubscriptionArgs struct {
	ID            string  `json:"id"`
	Service       *string `json:"service"`
	Name          *string `json:"name"`
	HMACSecret    *string `json:"hmac_secret"`
	HMACHeader    *string `json:"hmac_header"`
	Prompt        *string `json:"prompt"`
	JQFilter      *string `json:"jq_filter"`
	SummaryFilter *string `json:"summary_filter"`
	OneShot       *bool   `json:"one_shot"`
	Status        *string `json:"status"`
}

func (r *Registry) updateSubscription(ctx context.Context, raw json.RawMessage) (any, error) {
	var args updateSubscriptionArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.ID == "" {
		return nil, fmt.Errorf("update_subscription: id is required")
	}

	sub, err := r.store.GetSubscription(ctx, args.ID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, fmt.Errorf("update_subscription: subscription %q not found", args.ID)
	}

	if args.Service != nil {
		sub.ServiceTag = *args.Service
	}
	if args.Name != nil {
		sub.DisplayName = *args.Name
	}
	if args.HMACSecret != nil {
		sub.Secret = *args.HMACSecret
	}
	if args.HMACHeader != nil {
		sub.SignatureHeader = *args.HMACHeader
	}
	if args.Prompt != nil {
		sub.Prompt = *args.Prompt
	}
	if args.JQFilter != nil {
		sub.GateExpr = *args.JQFilter
	}
	if args.SummaryFilter != nil {
		sub.SummaryExpr = *args.SummaryFilter
	}
	if args.OneShot != nil {
		sub.OneShot = *args.OneShot
	}
	if args.Status != nil {
		status := types.SubscriptionStatus(*args.Status)
		if !types.ValidStatus(status) {
			return nil, fmt.Errorf("update_subscription: invalid status %q", *args.Status)
		}
		sub.Status = status
	}

	if err := r.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return map[string]any{"subscription": sub}, nil
}

type idArgs struct {
	ID string `json:"id"`
}

func (r *Registry) deleteSubscription(ctx context.Context, raw json.RawMessage) (any, error) {
	var args idArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.ID == "" {
		return nil, fmt.Errorf("delete_subscription: id is required")
	}
	if err := r.store.DeleteSubscription(ctx, args.ID); err != nil {
		return nil, err
	}
	return map[string]string{"deleted": args.ID}, nil
}

type getEventPayloadArgs struct {
	EventID string `json:"event_id"`
}

func (r *Registry) getEventPayload(ctx context.Context, raw json.RawMessage) (any, error) {
	var args getEventPayloadArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.EventID == "" {
		return nil, fmt.Errorf("get_event_payload: event_id is required")
	}
	event, err := r.store.GetEvent(ctx, args.EventID)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, fmt.Errorf("get_event_payload: event %q not found", args.EventID)
	}
	return event, nil
}

type getPublicWebhookURLArgs struct {
	SubscriptionID string `json:"subscription_id"`
}

func (r *Registry) getPublicWebhookURL(ctx context.Context, raw json.RawMessage) (any, error) {
	var args getPublicWebhookURLArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.SubscriptionID == "" {
		return nil, fmt.Errorf("get_public_webhook_url: subscription_id is required")
	}
	sub, err := r.store.GetSubscription(ctx, args.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, fmt.Errorf("get_public_webhook_url: subscription %q not found", args.SubscriptionID)
	}
	return map[string]string{"url": r.webhookURL(sub.ID)}, nil
}

func (r *Registry) requireTunnel() error {
	if r.tunnel == nil {
		return fmt.Errorf("tunnel management is not available")
	}
	return nil
}

func (r *Registry) startTunnel(ctx context.Context, _ json.RawMessage) (any, error) {
	if err := r.requireTunnel(); err != nil {
		return nil, err
	}
	if err := r.tunnel.Start(ctx, tunnel.ModeNamed); err != nil {
		return nil, err
	}
	return r.tunnel.Status(), nil
}

func (r *Registry) startQuickTunnel(ctx context.Context, _ json.RawMessage) (any, error) {
	if err := r.requireTunnel(); err != nil {
		return nil, err
	}
	if err := r.tunnel.Start(ctx, tunnel.ModeQuick); err != nil {
		return nil, err
	}
	return r.tunnel.Status(), nil
}

func (r *Registry) stopTunnel(ctx context.Context, _ json.RawMessage) (any, error) {
	if err := r.requireTunnel(); err != nil {
		return nil, err
	}
	if err := r.tunnel.Stop(ctx); err != nil {
		return nil, err
	}
	return r.tunnel.Status(), nil
}

func (r *Registry) getTunnelStatus(_ context.Context, _ json.RawMessage) (any, error) {
	if r.tunnel == nil {
		return tunnel.Status{State: tunnel.StateInactive}, nil
	}
	return r.tunnel.Status(), nil
}

// unmarshalArgs tolerates absent or null argument objects.
func unmarshalArgs(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
