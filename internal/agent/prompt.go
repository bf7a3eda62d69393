package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/openclaw/openclaw/internal/bootstrap"
)

// buildSystemPrompt composes the system prompt for a run. Channel sessions
// get the full prompt with workspace context files; subagent and cron
// sessions get the minimal variant, since they carry their task inline.
func (c *Controller) buildSystemPrompt(agentID, model, workspace, channel string, minimal bool) string {
	var b strings.Builder

	name := c.cfg.ResolveDisplayName(agentID)
	fmt.Fprintf(&b, "You are %s, a personal assistant reachable over chat.\n", name)
	fmt.Fprintf(&b, "Model: %s. Date: %s.\n", model, time.Now().Format("Monday, 2 January 2006"))
	if workspace != "" {
		fmt.Fprintf(&b, "Workspace: %s - your files live here and persist across sessions.\n", workspace)
	}
	if channel != "" {
		fmt.Fprintf(&b, "This conversation arrives via %s; keep replies chat-sized unless asked for detail.\n", channel)
	}

	if c.tools != nil {
		if names := c.tools.List(); len(names) > 0 {
			fmt.Fprintf(&b, "\nTools available: %s.\n", strings.Join(names, ", "))
		}
	}

	if minimal {
		b.WriteString("\nYou are running a background task. Do the work, then report the outcome concisely.\n")
		b.WriteString("Reply NO_REPLY if there is nothing the user needs to see.\n")
		return b.String()
	}

	b.WriteString("\nIf a message needs no reply (acknowledgements, idle chatter in groups), respond with exactly NO_REPLY.\n")

	for _, cf := range bootstrap.LoadContextFiles(workspace) {
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", cf.Path, cf.Content)
	}
	return b.String()
}
