package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/strandapp/strand/internal/llm"
	"github.com/strandapp/strand/internal/tree"
)

func init() {
	conversationsCmd.AddCommand(listCmd)
	conversationsCmd.AddCommand(pinCmd)
	conversationsCmd.AddCommand(renameCmd)
	conversationsCmd.AddCommand(truncateCmd)
	conversationsCmd.AddCommand(deleteCmd)
	conversationsCmd.AddCommand(exportCmd)
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Manage stored conversations",
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recently updated first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		convs, err := a.store.ListConversations(cmd.Context())
		if err != nil {
			return err
		}
		for _, conv := range convs {
			pin := " "
			if conv.Pinned {
				pin = "*"
			}
			title := conv.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Printf("%s %s  %-40s %s/%s  %s\n",
				pin, conv.ID, title, conv.ProviderID, conv.ModelID,
				conv.UpdatedAt.Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var pinCmd = &cobra.Command{
	Use:   "pin <conversation>",
	Short: "Toggle a conversation's pinned flag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTree(cmd, args[0], func(t *tree.Tree) error {
			t.Conversation.Pinned = !t.Conversation.Pinned
			if t.Conversation.Pinned {
				fmt.Println("pinned")
			} else {
				fmt.Println("unpinned")
			}
			return nil
		})
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename <conversation> <title>",
	Short: "Set a conversation's title",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTree(cmd, args[0], func(t *tree.Tree) error {
			t.Conversation.Title = strings.Join(args[1:], " ")
			return nil
		})
	},
}

var truncateCmd = &cobra.Command{
	Use:   "truncate <conversation> [node]",
	Short: "Delete nodes after the given node (omit to clear the conversation)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		boundary := -1
		if len(args) == 2 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid node index %q", args[1])
			}
			boundary = n
		}
		return withTree(cmd, args[0], func(t *tree.Tree) error {
			return t.TruncateAfter(boundary)
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation>",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.store.DeleteConversation(cmd.Context(), args[0])
	},
}

// exportDoc is the YAML export layout: the conversation record, the active
// path as a flat transcript, and the full node arena for branch recovery.
type exportDoc struct {
	Conversation tree.Conversation  `yaml:"conversation"`
	Transcript   []exportMessage    `yaml:"transcript"`
	Nodes        []tree.MessageNode `yaml:"nodes"`
	Usage        llm.Usage          `yaml:"usage"`
}

type exportMessage struct {
	Role string `yaml:"role"`
	Text string `yaml:"text"`
}

var exportCmd = &cobra.Command{
	Use:   "export <conversation>",
	Short: "Export a conversation as YAML to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		t, err := a.store.LoadTree(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		doc := exportDoc{
			Conversation: t.Conversation,
			Nodes:        t.Nodes,
			Usage:        t.TotalUsage(),
		}
		for _, msg := range t.PathMessages() {
			text := llm.CollectText([]llm.Message{msg})
			if text == "" {
				continue
			}
			doc.Transcript = append(doc.Transcript, exportMessage{
				Role: string(msg.Role),
				Text: text,
			})
		}

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(doc)
	},
}

// withTree loads, mutates, and saves one conversation tree.
func withTree(cmd *cobra.Command, conversationID string, mutate func(*tree.Tree) error) error {
	a, err := newApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := a.store.LoadTree(cmd.Context(), conversationID)
	if err != nil {
		return err
	}
	if err := mutate(t); err != nil {
		return err
	}
	return a.store.SaveTree(cmd.Context(), t)
}
