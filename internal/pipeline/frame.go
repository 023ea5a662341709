package pipeline

import (
	"fmt"
	"strings"

	"github.com/hookwire/hookwire/internal/types"
)

// Frame wraps the summary into the prompt text the session receives. The
// layout is a contract with the agent side: the tool names and attribute
// shapes mentioned in it are what agents act on.
func Frame(sub *types.Subscription, eventID, summary string) string {
	service := sub.ServiceTag
	if service == "" {
		service = "webhook"
	}
	prompt := sub.Prompt
	if prompt == "" {
		prompt = fmt.Sprintf("A %s event was received. Review and take appropriate action.", service)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<webhook-event service=\"%s\" event-id=\"%s\">\n", service, eventID)
	b.WriteString(prompt)
	b.WriteString("\n<payload>\n")
	b.WriteString(summary)
	b.WriteString("\n</payload>\n")
	fmt.Fprintf(&b, "To see the full untruncated payload, use the get_event_payload tool with event_id \"%s\".\n", eventID)
	fmt.Fprintf(&b, "If this event is too noisy, or the summary needs tuning, use update_subscription to adjust the summary_filter (jq expression) or jq_filter (to suppress unwanted events entirely) for subscription \"%s\".\n", sub.ID)
	b.WriteString("</webhook-event>")
	return b.String()
}
