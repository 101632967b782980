package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/usememos/chatsync/internal/chat"
	"github.com/usememos/chatsync/server"
)

var (
	// Colors.
	userColor   = color.New(color.Bold)
	aiColor     = color.New(color.FgCyan)
	formatColor = color.New(color.FgGreen)
	errorColor  = color.New(color.FgRed)
	noticeColor = color.New(color.FgYellow)
)

var (
	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant in the terminal",
		Run: func(cmd *cobra.Command, _ []string) {
			s, ctx, cancel := mustStart(cmd)
			defer cancel()
			defer s.Close()

			unwatch := s.Monitor.Watch(func(online bool) {
				if online {
					noticeColor.Println("(back online)")
				} else {
					noticeColor.Println("(offline: replies will be placeholders)")
				}
			})
			defer unwatch()

			g, gctx := errgroup.WithContext(ctx)
			s.RunWorkers(gctx, g)
			runREPL(ctx, s)
			cancel()
			_ = g.Wait()
		},
	}

	chatsCmd = &cobra.Command{
		Use:   "chats",
		Short: "List chats",
		Run: func(cmd *cobra.Command, _ []string) {
			s, _, cancel := mustStart(cmd)
			defer cancel()
			defer s.Close()
			printChats(s.Chats)
		},
	}

	clearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Delete every chat and message",
		Run: func(cmd *cobra.Command, _ []string) {
			s, ctx, cancel := mustStart(cmd)
			defer cancel()
			defer s.Close()

			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				confirm := false
				if err := survey.AskOne(&survey.Confirm{
					Message: fmt.Sprintf("Delete all %d chats", len(s.Chats.Chats())),
				}, &confirm); err != nil || !confirm {
					return
				}
			}
			if err := s.Chats.ClearChats(ctx); err != nil {
				errorColor.Fprintf(os.Stderr, "failed to clear chats: %v\n", err)
				os.Exit(1)
			}
			formatColor.Println("all chats deleted")
		},
	}

	mcpCmd = &cobra.Command{
		Use:   "mcp",
		Short: "Serve MCP tools over stdio",
		Run: func(cmd *cobra.Command, _ []string) {
			s, ctx, cancel := mustStart(cmd)
			defer cancel()
			defer s.Close()

			g, gctx := errgroup.WithContext(ctx)
			s.RunWorkers(gctx, g)
			if err := s.MCPService(version).ServeStdio(); err != nil {
				slog.Error("mcp server stopped with error", slog.String("error", err.Error()))
			}
			cancel()
			_ = g.Wait()
		},
	}
)

func init() {
	clearCmd.Flags().Bool("yes", false, "skip the confirmation prompt")
}

func printChats(chats *chat.Store) {
	list := chats.Chats()
	if len(list) == 0 {
		noticeColor.Println("no chats")
		return
	}
	active := chats.ActiveChatID()
	for _, c := range list {
		marker := " "
		if c.ID == active {
			marker = "*"
		}
		fmt.Printf("%s %s  %-30s %3d messages  %s\n", marker, c.ID, c.Title, len(c.Messages), c.UpdatedAt.Format(time.DateTime))
	}
}

const replHelp = `/new          start a new chat
/list         list chats
/use <id>     switch to a chat
/title <text> rename the active chat
/online, /offline  force the connectivity state
/quit         exit`

func runREPL(ctx context.Context, s *server.Server) {
	if s.Chats.ActiveChatID() == "" {
		if list := s.Chats.Chats(); len(list) > 0 {
			_ = s.Chats.SetActiveChat(list[0].ID)
		} else if _, err := s.Chats.CreateChat(ctx); err != nil {
			errorColor.Printf("failed to create chat: %v\n", err)
			return
		}
	}
	formatColor.Println("type a message, or /help")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		userColor.Print("-> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := runREPLCommand(ctx, s, line); quit {
				return
			}
			continue
		}

		result, err := s.Dispatcher.Submit(ctx, line)
		if err != nil {
			errorColor.Printf("%v\n", err)
			continue
		}
		switch {
		case result.Reply != nil && result.Outcome == chat.OutcomeReplied:
			aiColor.Println(result.Reply.Content)
		case result.Reply != nil:
			noticeColor.Println(result.Reply.Content)
		default:
			noticeColor.Printf("(no reply: %s)\n", result.Outcome)
		}
	}
}

func runREPLCommand(ctx context.Context, s *server.Server, line string) bool {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	var err error
	switch name {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Println(replHelp)
	case "/new":
		var c *chat.Chat
		if c, err = s.Chats.CreateChat(ctx); err == nil {
			formatColor.Printf("created %s\n", c.ID)
		}
	case "/list":
		printChats(s.Chats)
	case "/use":
		err = s.Chats.SetActiveChat(arg)
	case "/title":
		_, err = s.Chats.RenameChat(ctx, s.Chats.ActiveChatID(), arg)
	case "/online":
		s.Monitor.Set(true)
	case "/offline":
		s.Monitor.Set(false)
	default:
		err = errors.Errorf("unknown command %s", name)
	}
	if err != nil {
		errorColor.Printf("%v\n", err)
	}
	return false
}
