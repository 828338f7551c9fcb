package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	marketchat "github.com/ssafymarket/marketchat"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch [room-id]",
	Short: "Watch conversations live",
	Long: "Connect and stream chat activity to the terminal.\n" +
		"With a room id, opens that room: its history is printed, new messages\n" +
		"stream in, and lines typed on stdin are sent to the room.\n" +
		"Without one, streams room-list and unread-badge changes.\n" +
		"Type /quit to exit.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var roomID int64
		if len(args) == 1 {
			id, err := parseRoomID(args[0])
			if err != nil {
				return err
			}
			roomID = id
		}

		logger := buildLogger(verbose)
		client := getClient()
		rt := client.Realtime(&marketchat.RealtimeConfig{
			AutoReconnect: true,
			Logger:        logger,
		})
		rt.OnDisconnected(func(reason string) {
			fmt.Printf("* connection lost: %s\n", reason)
		})
		rt.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Printf("* reconnecting (attempt %d) in %s\n", attempt, delay)
		})

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := rt.Connect(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer rt.Disconnect()

		session := marketchat.NewSession(client, rt, &marketchat.SessionConfig{Logger: logger})
		defer session.Close()

		// Print only the tail of each transcript snapshot.
		printed := 0
		session.On(marketchat.EventTranscriptChanged, func(event string, payload any) {
			msgs, ok := payload.([]marketchat.ChatMessage)
			if !ok {
				return
			}
			if len(msgs) < printed {
				printed = 0
			}
			for _, msg := range msgs[printed:] {
				printMessage(msg)
			}
			printed = len(msgs)
		})
		session.On(marketchat.EventUnreadChanged, func(event string, payload any) {
			if count, ok := payload.(int); ok && roomID == 0 {
				fmt.Printf("* unread total: %d\n", count)
			}
		})
		session.On(marketchat.EventRoomsChanged, func(event string, payload any) {
			rooms, ok := payload.([]marketchat.ChatRoom)
			if !ok || roomID != 0 {
				return
			}
			for _, room := range rooms {
				if room.UnreadCount > 0 {
					fmt.Printf("* #%d %s: %d unread\n", room.RoomID, room.PostTitle, room.UnreadCount)
				}
			}
		})

		if err := session.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to start session: %w", err)
		}

		if roomID != 0 {
			enterCtx, cancel := context.WithTimeout(context.Background(), marketchat.DefaultTimeout)
			err := session.EnterRoom(enterCtx, roomID)
			cancel()
			if err != nil {
				return fmt.Errorf("failed to enter room: %w", err)
			}
			fmt.Printf("-- room %d, type to chat, /quit to exit --\n", roomID)
		} else {
			fmt.Println("-- watching all rooms, /quit to exit --")
		}

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if line == "/quit" {
				break
			}
			if roomID == 0 {
				fmt.Println("* no room open; run 'marketchat watch <room-id>' to chat")
				continue
			}
			sendCtx, cancel := context.WithTimeout(context.Background(), marketchat.DefaultTimeout)
			err := session.SendMessage(sendCtx, line, marketchat.MessageChat)
			cancel()
			if err != nil {
				fmt.Printf("* send failed: %v\n", err)
			}
		}
		if roomID != 0 {
			leaveCtx, cancel := context.WithTimeout(context.Background(), marketchat.DefaultTimeout)
			session.LeaveRoom(leaveCtx)
			cancel()
		}
		return scanner.Err()
	},
}
