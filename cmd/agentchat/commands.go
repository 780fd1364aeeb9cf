package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"agentchat/internal/agent"
	"agentchat/internal/domain"
	"agentchat/internal/ledger"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func formatMessage(m domain.Message) string {
	who := m.SenderID
	if m.Role == domain.RoleAssistant {
		who = "agent"
	}
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04:05"), who, domain.PreviewText(m))
	if m.Status == domain.StatusError {
		line += "  (failed)"
	}
	for _, att := range m.Attachments {
		if att.URL != "" {
			line += "\n    " + att.Filename + " " + att.URL
		} else {
			line += "\n    " + att.Filename
		}
	}
	if m.EffectiveKind() == domain.KindTaskProposal && m.TaskPayload != nil {
		p := m.TaskPayload
		line += fmt.Sprintf("\n    task %s: %s (~%d commands", m.TaskID, p.Title, p.EstimatedCommands)
		if p.RiskLevel != "" {
			line += ", risk " + string(p.RiskLevel)
		}
		line += ")"
		for i, step := range p.Steps {
			line += fmt.Sprintf("\n      %d. %s", i+1, step)
		}
	}
	return line
}

// turnObserver prints phases to stderr and streams tokens to stdout.
func turnObserver(streamed *bool) *domain.TurnObserver {
	return &domain.TurnObserver{
		OnStatus: func(status, message string) {
			if message != "" {
				fmt.Fprintf(os.Stderr, "… %s: %s\n", status, message)
			} else {
				fmt.Fprintf(os.Stderr, "… %s\n", status)
			}
		},
		OnToken: func(text, _ string) {
			*streamed = true
			fmt.Print(text)
		},
		OnExecutions: func(execs []domain.Execution) {
			for _, e := range execs {
				fmt.Fprintf(os.Stderr, "$ %s\n", e.Command)
			}
		},
	}
}

func printTurn(res *domain.SendResult, streamed bool) {
	if res == nil || res.Reply == nil {
		return
	}
	if streamed {
		fmt.Println()
	}
	if !streamed || res.Reply.EffectiveKind() == domain.KindTaskProposal {
		fmt.Println(formatMessage(*res.Reply))
	}
	if res.Reply.EffectiveKind() == domain.KindTaskProposal {
		fmt.Printf("\napprove with: agentchat approve %s %s --max-commands N\n", res.Reply.ConversationID, res.Reply.TaskID)
	}
}

func sendCmd() *cobra.Command {
	var newConv bool
	cmd := &cobra.Command{
		Use:   "send [conversation-id] [message]",
		Short: "Send a message and stream the agent's answer",
		Long:  "Sends a message to a conversation. With --new the first argument is the message and a conversation is created for it.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			return withApp(ctx, func(ctx context.Context, rt *app) error {
				var convID, text string
				if newConv {
					text = strings.Join(args, " ")
					conv, err := rt.sessions.CreateConversation(ctx, domain.Conversation{
						UserID: rt.cfg.General.UserID,
						Title:  agent.TitleFromMessage(text),
					})
					if err != nil {
						return fmt.Errorf("create conversation: %w", err)
					}
					convID = conv.ID
					fmt.Fprintf(os.Stderr, "conversation %s\n", convID)
				} else {
					if len(args) != 2 {
						return fmt.Errorf("expected a conversation id and a message")
					}
					convID, text = args[0], args[1]
				}

				c, err := rt.client(nil)
				if err != nil {
					return err
				}
				defer c.Shutdown()

				var streamed bool
				res, err := c.Send(ctx, convID, text, turnObserver(&streamed))
				if err != nil {
					if res != nil {
						fmt.Fprintf(os.Stderr, "message %s was saved but the agent failed\n", res.Message.ID)
					}
					return err
				}
				printTurn(res, streamed)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&newConv, "new", false, "start a new conversation")
	return cmd
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [conversation-id]",
		Short: "Print a conversation's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			return withApp(ctx, func(ctx context.Context, rt *app) error {
				c, err := rt.client(nil)
				if err != nil {
					return err
				}
				defer c.Shutdown()

				msgs, err := c.Open(ctx, args[0])
				if err != nil {
					return err
				}
				if limit > 0 && len(msgs) > limit {
					msgs = msgs[len(msgs)-limit:]
				}
				for _, m := range msgs {
					fmt.Println(formatMessage(m))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show only the last N messages")
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [conversation-id]",
		Short: "Follow a conversation in real time",
		Long:  "Prints the conversation, then every new message as it arrives. Press Ctrl+C to stop.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			return withApp(ctx, func(ctx context.Context, rt *app) error {
				c, err := rt.client(func(m domain.Message) {
					fmt.Println(formatMessage(m))
				})
				if err != nil {
					return err
				}
				defer c.Shutdown()

				unsub := c.Provider().OnConnectionChange(func(s domain.ConnectionStatus) {
					logger.Info("connection", "transport", c.Provider().Name(), "status", s)
				})
				defer unsub()

				msgs, err := c.Open(ctx, args[0])
				if err != nil {
					return err
				}
				for _, m := range msgs {
					fmt.Println(formatMessage(m))
				}
				<-ctx.Done()
				return nil
			})
		},
	}
}

func approveCmd() *cobra.Command {
	var maxCommands int
	cmd := &cobra.Command{
		Use:   "approve [conversation-id] [task-id]",
		Short: "Approve a proposed task with a command budget",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			return withApp(ctx, func(ctx context.Context, rt *app) error {
				c, err := rt.client(nil)
				if err != nil {
					return err
				}
				defer c.Shutdown()

				var streamed bool
				res, err := c.ApproveTask(ctx, args[0], args[1], maxCommands, turnObserver(&streamed))
				if err != nil {
					return err
				}
				printTurn(res, streamed)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&maxCommands, "max-commands", "m", 10, "command budget for the task")
	return cmd
}

func rejectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reject [conversation-id] [task-id]",
		Short: "Reject a proposed task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			return withApp(ctx, func(ctx context.Context, rt *app) error {
				c, err := rt.client(nil)
				if err != nil {
					return err
				}
				defer c.Shutdown()

				if _, err := c.RejectTask(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("task %s rejected\n", args[1])
				return nil
			})
		},
	}
}

func tasksCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "tasks [conversation-id...]",
		Short: "List tasks, across all conversations when none is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			return withApp(ctx, func(ctx context.Context, rt *app) error {
				ids := args
				if len(ids) == 0 {
					convs, err := rt.store.ListConversations(ctx, rt.cfg.General.UserID)
					if err != nil {
						return err
					}
					for _, conv := range convs {
						ids = append(ids, conv.ID)
					}
				}
				c, err := rt.client(nil)
				if err != nil {
					return err
				}
				defer c.Shutdown()

				tasks, err := c.Tasks(ctx, ids...)
				if err != nil {
					return err
				}
				for _, t := range tasks {
					if status != "" && string(t.Status) != status {
						continue
					}
					fmt.Println(formatTask(t))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only show tasks in this status (pending, approved, rejected, completed)")
	return cmd
}

func formatTask(t ledger.Task) string {
	budget := "-"
	if t.MaxCommands > 0 {
		budget = fmt.Sprintf("%d/%d", t.CommandsUsed, t.MaxCommands)
	}
	return fmt.Sprintf("%-10s %-9s %-7s %s  (conversation %s, %s)",
		t.TaskID, t.Status, budget, t.Proposal.Title, t.ConversationID, t.UpdatedAt.Local().Format(time.DateTime))
}

func conversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List conversations with their latest message",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			return withApp(ctx, func(ctx context.Context, rt *app) error {
				c, err := rt.client(nil)
				if err != nil {
					return err
				}
				defer c.Shutdown()

				list, err := c.Conversations(ctx)
				if err != nil {
					return err
				}
				for _, s := range list {
					dot := "○"
					if s.Online {
						dot = "●"
					}
					fmt.Printf("%s %s  %s\n    %s\n", dot, s.ID, s.Title, s.LastMessagePreview)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "new [title]",
		Short: "Create a conversation with the configured agent",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			return withApp(ctx, func(ctx context.Context, rt *app) error {
				conv := domain.Conversation{UserID: rt.cfg.General.UserID}
				if len(args) == 1 {
					conv.Title = args[0]
				}
				created, err := rt.sessions.CreateConversation(ctx, conv)
				if err != nil {
					return err
				}
				fmt.Println(created.ID)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete [conversation-id]",
		Short: "Delete a conversation and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			return withApp(ctx, func(ctx context.Context, rt *app) error {
				return rt.sessions.DeleteConversation(ctx, args[0])
			})
		},
	})

	return cmd
}

func attachCmd() *cobra.Command {
	var caption string
	cmd := &cobra.Command{
		Use:   "attach [conversation-id] [file]",
		Short: "Upload a file into a conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read file: %w", err)
			}
			ctx, stop := signalContext()
			defer stop()
			return withApp(ctx, func(ctx context.Context, rt *app) error {
				c, err := rt.client(nil)
				if err != nil {
					return err
				}
				defer c.Shutdown()

				msg, err := c.SendAttachment(ctx, domain.AttachmentRequest{
					ConversationID: args[0],
					Filename:       filepath.Base(args[1]),
					Data:           data,
					Caption:        caption,
				})
				if err != nil {
					return err
				}
				fmt.Println(formatMessage(*msg))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&caption, "caption", "", "text shown with the file")
	return cmd
}
