package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/history"
	"github.com/tbourn/go-chat-sync/internal/sysutil"
)

type sendOptions struct {
	sender  string
	replyTo string
	msgType string
}

func newSendCmd(g *globalOptions) *cobra.Command {
	var opts sendOptions
	cmd := &cobra.Command{
		Use:   "send <conversation> <content>...",
		Short: "Post a message to a conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := domain.ParseKey(args[0])
			if err != nil {
				return err
			}
			sender := sysutil.FirstNonEmpty(opts.sender, g.cfg.Client.SenderID)
			if sender == "" {
				return errors.New("sender required: pass --sender or set SENDER_ID")
			}
			req := history.PostRequest{
				SenderID: sender,
				Content:  strings.Join(args[1:], " "),
				Type:     domain.MessageType(opts.msgType),
			}
			if opts.replyTo != "" {
				req.ReplyToID = &opts.replyTo
			}

			m, err := newHistoryClient(g.cfg).Send(cmd.Context(), key, req)
			if err != nil {
				var apiErr *history.APIError
				if errors.As(err, &apiErr) {
					return fmt.Errorf("rejected (%s): %s", apiErr.Code, apiErr.Message)
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatMessage(*m))
			fmt.Fprintln(cmd.OutOrStdout(), timeStyle.Render("id "+m.ID))
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.sender, "sender", "s", "", "sender id, overrides SENDER_ID")
	cmd.Flags().StringVar(&opts.replyTo, "reply-to", "", "id of the message this one replies to")
	cmd.Flags().StringVar(&opts.msgType, "type", "", "message type: text, image or file")
	return cmd
}
