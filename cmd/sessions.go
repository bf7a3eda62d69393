package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclaw/openclaw/pkg/protocol"
)

func sessionsCmd() *cobra.Command {
	var agentID string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions on a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialGateway(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			var out struct {
				Sessions []struct {
					SessionKey     string `json:"sessionKey"`
					Channel        string `json:"channel,omitempty"`
					ChatType       string `json:"chatType,omitempty"`
					ThinkingLevel  string `json:"thinkingLevel,omitempty"`
					LastActivityAt int64  `json:"lastActivityAt,omitempty"`
				} `json:"sessions"`
			}
			params := map[string]string{}
			if agentID != "" {
				params["agentId"] = agentID
			}
			if err := client.Call(cmd.Context(), protocol.MethodSessionsList, params, &out); err != nil {
				return err
			}
			if len(out.Sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			for _, s := range out.Sessions {
				last := "-"
				if s.LastActivityAt > 0 {
					last = time.UnixMilli(s.LastActivityAt).Format(time.RFC3339)
				}
				fmt.Printf("%-50s  %-10s  last=%s\n", s.SessionKey, s.Channel, last)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "filter by agent id")
	return cmd
}
