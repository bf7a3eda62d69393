package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclaw/openclaw/pkg/protocol"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage DM pairing on a running gateway",
	}
	cmd.AddCommand(pairingListCmd(), pairingApproveCmd(), pairingRevokeCmd())
	return cmd
}

func pairingListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending pairing codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialGateway(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			var out struct {
				Pending []struct {
					Code      string `json:"code"`
					Channel   string `json:"channel"`
					SenderID  string `json:"senderId"`
					Meta      string `json:"meta,omitempty"`
					CreatedAt int64  `json:"createdAt"`
				} `json:"pending"`
			}
			if err := client.Call(cmd.Context(), protocol.MethodPairingList, nil, &out); err != nil {
				return err
			}
			if len(out.Pending) == 0 {
				fmt.Println("no pending pairing requests")
				return nil
			}
			for _, p := range out.Pending {
				fmt.Printf("%-10s  %-10s  sender=%-20s  %s  %s\n",
					p.Code, p.Channel, p.SenderID, p.Meta,
					time.UnixMilli(p.CreatedAt).Format(time.RFC3339))
			}
			return nil
		},
	}
}

func pairingApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <code>",
		Short: "Approve a pairing code and allowlist its sender",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialGateway(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			var out struct {
				Channel  string `json:"channel"`
				SenderID string `json:"senderId"`
			}
			params := map[string]string{"code": args[0]}
			if err := client.Call(cmd.Context(), protocol.MethodPairingApprove, params, &out); err != nil {
				return err
			}
			fmt.Printf("approved %s sender %s\n", out.Channel, out.SenderID)
			return nil
		},
	}
}

func pairingRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <channel> <senderId>",
		Short: "Remove a sender from the DM allowlist",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialGateway(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			params := map[string]string{"channel": args[0], "senderId": args[1]}
			if err := client.Call(cmd.Context(), protocol.MethodPairingRevoke, params, nil); err != nil {
				return err
			}
			fmt.Println("revoked")
			return nil
		},
	}
}
