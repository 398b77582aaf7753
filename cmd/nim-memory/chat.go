package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-memory/server"
)

var chatSession string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with a running server over its WebSocket",
	Long: `Reads one message per line from stdin and streams each reply. Without
--session a new session is started and its id printed after the first reply.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "session id to continue")
	rootCmd.AddCommand(chatCmd)
}

func wsURL() string {
	u := apiURL("/ws")
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

func runChat(cmd *cobra.Command, args []string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), wsURL(), nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", wsURL(), err)
	}
	defer conn.Close()

	session := chatSession
	in := bufio.NewScanner(cmd.InOrStdin())
	out := cmd.OutOrStdout()
	for {
		fmt.Fprint(out, "> ")
		if !in.Scan() {
			break
		}
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}

		if err := conn.WriteJSON(server.ClientFrame{SessionID: session, Message: line}); err != nil {
			return err
		}
		if session, err = readReply(conn, cmd, session); err != nil {
			return err
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return in.Err()
}

// readReply prints streamed chunks until the turn completes and returns the
// session id the server used.
func readReply(conn *websocket.Conn, cmd *cobra.Command, session string) (string, error) {
	out := cmd.OutOrStdout()
	for {
		var frame server.ServerFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return session, err
		}
		switch frame.Type {
		case server.FrameChunk:
			fmt.Fprint(out, frame.Content)
		case server.FrameComplete:
			fmt.Fprintln(out)
			if session == "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "(session %s)\n", frame.SessionID)
			}
			if frame.Degraded {
				fmt.Fprintln(cmd.ErrOrStderr(), "(long-term memory degraded for this turn)")
			}
			return frame.SessionID, nil
		case server.FrameError:
			fmt.Fprintf(cmd.ErrOrStderr(), "error: %s\n", frame.Error)
			return session, nil
		}
	}
}
