package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	marketchat "github.com/ssafymarket/marketchat"
)

func init() {
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <room-id> <message...>",
	Short: "Send a single chat message",
	Long:  "Connect, send one message to the room, and disconnect.\nExample: marketchat send 42 still available?",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, err := parseRoomID(args[0])
		if err != nil {
			return err
		}
		content := strings.Join(args[1:], " ")

		client := getClient()
		rt := client.Realtime(&marketchat.RealtimeConfig{Logger: buildLogger(verbose)})

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := rt.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer rt.Disconnect()

		if err := rt.SendMessage(ctx, roomID, content, marketchat.MessageChat); err != nil {
			return fmt.Errorf("failed to send: %w", err)
		}
		fmt.Printf("Sent to room %d.\n", roomID)
		return nil
	},
}
