package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/burrow/internal/report"
	"github.com/dyluth/burrow/pkg/mailbox"
)

func newSendCmd(a *app) *cobra.Command {
	var priority int

	cmd := &cobra.Command{
		Use:   "send <from> <to> <content>",
		Short: "Send a message to an agent's inbox",
		Long: `Append a message to the recipient's inbox and a copy to the sender's outbox.

The recipient receives it with the next task it claims.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.mailbox().Send(cmd.Context(), args[0], args[1], args[2], priority)
			if err != nil {
				return a.storeError(err)
			}
			a.out.Success("sent %s to %s\n", id, args[1])
			return nil
		},
	}

	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "Priority, lower is more urgent")
	return cmd
}

func newDrainCmd(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "drain <agent>",
		Short: "Print and remove every message in an agent's inbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := report.ParseFormat(output)
			if err != nil {
				return err
			}
			msgs, err := a.mailbox().Drain(cmd.Context(), args[0])
			if err != nil {
				return a.storeError(err)
			}
			return writeMessages(a, args[0], msgs, format)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "default", "Output format: default | jsonl")
	return cmd
}

func newPeekCmd(a *app) *cobra.Command {
	var (
		outbox bool
		output string
	)

	cmd := &cobra.Command{
		Use:   "peek <agent>",
		Short: "Print an agent's inbox without removing anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := report.ParseFormat(output)
			if err != nil {
				return err
			}
			mb := a.mailbox()
			read := mb.Peek
			if outbox {
				read = mb.Outbox
			}
			msgs, err := read(cmd.Context(), args[0])
			if err != nil {
				return a.storeError(err)
			}
			return writeMessages(a, args[0], msgs, format)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&outbox, "outbox", false, "Show messages the agent sent instead")
	f.StringVarP(&output, "output", "o", "default", "Output format: default | jsonl")
	return cmd
}

func writeMessages(a *app, agentID string, msgs []mailbox.Message, format report.OutputFormat) error {
	if format == report.OutputFormatJSONL {
		return report.FormatJSONL(a.out.Out(), msgs)
	}
	report.FormatMessages(a.out.Out(), agentID, msgs, time.Now())
	return nil
}
