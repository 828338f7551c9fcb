package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	marketchat "github.com/ssafymarket/marketchat"
)

var (
	historyPage int
	historySize int
)

func init() {
	rootCmd.AddCommand(roomsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(unreadCmd)

	historyCmd.Flags().IntVar(&historyPage, "page", 0, "page number (0-based)")
	historyCmd.Flags().IntVar(&historySize, "size", 50, "messages per page")
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List your chat rooms",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), marketchat.DefaultTimeout)
		defer cancel()

		rooms, err := client.Rooms(ctx)
		if err != nil {
			return fmt.Errorf("failed to list rooms: %w", err)
		}
		if len(rooms) == 0 {
			fmt.Println("No chat rooms.")
			return nil
		}

		for _, room := range rooms {
			badge := ""
			if room.UnreadCount > 0 {
				badge = fmt.Sprintf(" [%d unread]", room.UnreadCount)
			}
			fmt.Printf("#%d  %s (%d won) with %s%s\n", room.RoomID, room.PostTitle, room.PostPrice, counterpartyName(room), badge)
			if room.LastMessage != "" {
				fmt.Printf("     %s  %s\n", formatTime(room.LastMessageTime), room.LastMessage)
			}
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <room-id>",
	Short: "Print a page of a room's message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, err := parseRoomID(args[0])
		if err != nil {
			return err
		}

		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), marketchat.DefaultTimeout)
		defer cancel()

		page, err := client.Messages(ctx, roomID, historyPage, historySize)
		if err != nil {
			return fmt.Errorf("failed to load history: %w", err)
		}
		if len(page.Content) == 0 {
			fmt.Println("No messages.")
			return nil
		}

		for _, msg := range page.Content {
			printMessage(msg)
		}
		fmt.Printf("\npage %d/%d (%d messages total)\n", page.Page+1, page.TotalPages, page.TotalElements)
		return nil
	},
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Print the global unread message count",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), marketchat.DefaultTimeout)
		defer cancel()

		count, err := client.UnreadCount(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch unread count: %w", err)
		}
		fmt.Println(count)
		return nil
	},
}

func parseRoomID(arg string) (int64, error) {
	var roomID int64
	if _, err := fmt.Sscanf(arg, "%d", &roomID); err != nil || roomID <= 0 {
		return 0, fmt.Errorf("invalid room id %q", arg)
	}
	return roomID, nil
}

func printMessage(msg marketchat.ChatMessage) {
	switch msg.MessageType {
	case marketchat.MessageEnter, marketchat.MessageLeave, marketchat.MessageSystem:
		fmt.Printf("%s  -- %s --\n", formatTime(msg.SentAt), msg.Content)
	case marketchat.MessageImage:
		fmt.Printf("%s  %s: [image] %s\n", formatTime(msg.SentAt), msg.SenderID, msg.ImageURL)
	default:
		fmt.Printf("%s  %s: %s\n", formatTime(msg.SentAt), msg.SenderID, msg.Content)
	}
}
