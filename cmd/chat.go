package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openclaw/openclaw/internal/sessions"
	"github.com/openclaw/openclaw/pkg/protocol"
	"github.com/openclaw/openclaw/pkg/rpcclient"
)

func chatCmd() *cobra.Command {
	var sessionKey string
	var agentID string

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send a message to the agent via a running gateway",
		Long: "With a message argument, sends one turn and streams the reply.\n" +
			"Without arguments, starts an interactive prompt.",
		RunE: func(cmd *cobra.Command, args []string) error {
			key := sessionKey
			if key == "" {
				key = sessions.BuildMainKey(agentID)
			}

			ctx := cmd.Context()
			client, err := dialGateway(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			if len(args) > 0 {
				return sendTurn(ctx, client, key, strings.Join(args, " "))
			}

			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "/quit" || line == "/exit" {
					return nil
				}
				if err := sendTurn(ctx, client, key, line); err != nil {
					fmt.Fprintln(os.Stderr, "error:", err)
				}
			}
		},
	}
	cmd.Flags().StringVar(&sessionKey, "session", "", "session key (default: the agent's main session)")
	cmd.Flags().StringVar(&agentID, "agent", "main", "agent id for the default session key")
	return cmd
}

// sendTurn submits one chat.send and streams its deltas until the run ends.
func sendTurn(ctx context.Context, client chatClient, key, message string) error {
	var ack struct {
		RunID  string `json:"runId"`
		Status string `json:"status"`
		Reply  string `json:"reply"`
	}
	err := client.Call(ctx, protocol.MethodChatSend, map[string]interface{}{
		"sessionKey": key,
		"message":    message,
	}, &ack)
	if err != nil {
		return err
	}
	if ack.Status == "command" {
		if ack.Reply != "" {
			fmt.Println(ack.Reply)
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-client.Events():
			if !ok {
				return fmt.Errorf("connection closed mid-run")
			}
			done, err := renderEvent(ev.Name, ev.Payload, ack.RunID)
			if err != nil {
				return err
			}
			if done {
				fmt.Println()
				return nil
			}
		}
	}
}

// renderEvent prints one streaming event and reports whether the run is over.
func renderEvent(name string, payload json.RawMessage, runID string) (bool, error) {
	var p struct {
		Type    string `json:"type"`
		RunID   string `json:"runId"`
		Content string `json:"content"`
		Final   bool   `json:"final"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.RunID != runID {
		return false, nil
	}

	switch name {
	case protocol.EventChat:
		fmt.Print(p.Content)
		return p.Final, nil
	case protocol.EventAgent:
		switch p.Type {
		case protocol.AgentEventRunFailed:
			return true, fmt.Errorf("run failed: %s", p.Error)
		case protocol.AgentEventRunAborted:
			return true, fmt.Errorf("run aborted")
		case protocol.AgentEventRunCompleted:
			return true, nil
		}
	}
	return false, nil
}

// chatClient is the slice of rpcclient.Client sendTurn needs; tests
// substitute a scripted fake.
type chatClient interface {
	Call(ctx context.Context, method string, params interface{}, out interface{}) error
	Events() <-chan rpcclient.Event
}
