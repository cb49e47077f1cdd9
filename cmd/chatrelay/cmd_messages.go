package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/chatrelay/internal/backend"
	"github.com/user/chatrelay/internal/types"
)

var (
	messagesSession string
	messagesLimit   int
	sendSession     string
	sendFrom        string
	sendNickname    string
)

func init() {
	messagesCmd.Flags().StringVar(&messagesSession, "session", "", "only show this session")
	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 20, "show at most this many recent messages (0 for all)")
	sendCmd.Flags().StringVar(&sendSession, "session", string(types.DefaultSessionID), "session to post into")
	sendCmd.Flags().StringVar(&sendFrom, "from", "web", "author user id")
	sendCmd.Flags().StringVar(&sendNickname, "nickname", "", "author display name")
	rootCmd.AddCommand(messagesCmd, sendCmd)
}

func newBackendClient() (*backend.Client, error) {
	cfg := loadConfig()
	return backend.New(cfg.Connection.BackendURL, cfg.Connection.Timeout(), nil)
}

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Show recent messages from the web-chat backend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newBackendClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx := context.Background()
		var msgs []types.ChatMessage
		if messagesSession != "" {
			msgs, err = client.FetchSession(ctx, types.SessionID(messagesSession))
		} else {
			msgs, err = client.FetchAll(ctx)
		}
		if err != nil {
			return fmt.Errorf("fetch messages: %w", err)
		}
		return printMessages(cmd.OutOrStdout(), msgs, messagesLimit)
	},
}

func printMessages(out io.Writer, msgs []types.ChatMessage, limit int) error {
	if len(msgs) == 0 {
		fmt.Fprintln(out, "No messages found.")
		return nil
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tFROM\tTYPE\tTEXT")
	for _, m := range msgs {
		if m.Malformed {
			fmt.Fprintln(w, "-\t-\t-\t(malformed record)")
			continue
		}
		text := m.Text
		if m.ImageB64 != "" && strings.TrimSpace(text) == "" {
			text = "[image]"
		}
		from := m.FromUser
		if m.Nickname != "" && m.Nickname != m.FromUser {
			from = fmt.Sprintf("%s (%s)", m.FromUser, m.Nickname)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.SessionID.OrDefault(), from, m.Type, oneLine(text, 60))
	}
	return w.Flush()
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max]) + "…"
	}
	return s
}

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Post a user message to the web-chat backend",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newBackendClient()
		if err != nil {
			return err
		}
		defer client.Close()

		msg := types.ChatMessage{
			FromUser:  sendFrom,
			Nickname:  sendNickname,
			Text:      strings.Join(args, " "),
			Type:      types.MessageTypeText,
			SessionID: types.SessionID(sendSession),
		}
		if err := client.Append(context.Background(), msg); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent to session %s.\n", msg.SessionID.OrDefault())
		return nil
	},
}
