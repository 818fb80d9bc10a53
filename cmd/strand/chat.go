package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/strandapp/strand/internal/chat"
	"github.com/strandapp/strand/internal/llm"
)

var (
	newProvider string
	newModel    string
	sendSearch  bool
	showUsage   bool
)

func init() {
	newCmd.Flags().StringVar(&newProvider, "provider", "", "Provider id (default from config)")
	newCmd.Flags().StringVar(&newModel, "model", "", "Model id (default from config)")
	sendCmd.Flags().BoolVarP(&sendSearch, "search", "s", false, "Enable native web search for this turn")
	sendCmd.Flags().BoolVar(&showUsage, "usage", false, "Print token usage after the reply")
	regenCmd.Flags().BoolVar(&showUsage, "usage", false, "Print token usage after the reply")
	editCmd.Flags().BoolVar(&showUsage, "usage", false, "Print token usage after the reply")
}

var newCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		providerID := newProvider
		if providerID == "" {
			providerID = a.cfg.DefaultProvider
		}
		modelID := newModel
		if modelID == "" {
			modelID = a.cfg.DefaultModel
		}

		conv, err := a.orch.NewConversation(cmd.Context(), providerID, modelID)
		if err != nil {
			return err
		}
		fmt.Println(conv.ID)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation> <message>",
	Short: "Send a message and stream the reply",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		input := chat.UserInput{
			Text:   strings.Join(args[1:], " "),
			Search: sendSearch,
		}
		handle, err := a.orch.StartTurn(cmd.Context(), args[0], input)
		if err != nil {
			return err
		}
		return streamTurn(handle)
	},
}

var regenCmd = &cobra.Command{
	Use:   "regen <conversation> <node>",
	Short: "Regenerate the reply at a node as a new candidate",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		nodeIndex, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid node index %q", args[1])
		}
		handle, err := a.orch.Regenerate(cmd.Context(), args[0], nodeIndex)
		if err != nil {
			return err
		}
		return streamTurn(handle)
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <conversation> <node> <message>",
	Short: "Edit the user message at a node and fork a new branch",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		nodeIndex, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid node index %q", args[1])
		}
		handle, err := a.orch.EditAndFork(cmd.Context(), args[0], nodeIndex, strings.Join(args[2:], " "))
		if err != nil {
			return err
		}
		return streamTurn(handle)
	},
}

var suggestCmd = &cobra.Command{
	Use:   "suggest <conversation>",
	Short: "Suggest follow-up messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		suggestions, err := a.orch.GenerateSuggestions(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, s := range suggestions {
			fmt.Println("-", s)
		}
		return nil
	},
}

// streamTurn prints draft updates as they arrive. Updates carry the
// cumulative text; only the unseen suffix is printed. Ctrl-C cancels the
// turn without committing it.
func streamTurn(handle *chat.TurnHandle) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		if _, ok := <-sigs; ok {
			handle.Cancel()
		}
	}()

	var (
		printed  int
		lastTool string
	)
	for update := range handle.Updates() {
		if len(update.Text) > printed {
			fmt.Print(update.Text[printed:])
			printed = len(update.Text)
		}
		if update.Phase == llm.PhaseToolCallPending && update.ToolName != lastTool {
			lastTool = update.ToolName
			fmt.Fprintf(os.Stderr, "\n[tool: %s]\n", update.ToolName)
		}
	}

	cand, err := handle.Wait()
	if err != nil {
		fmt.Fprintln(os.Stderr)
		return err
	}
	fmt.Println()
	if showUsage && cand.Usage != nil {
		fmt.Fprintf(os.Stderr, "tokens: %d in, %d out\n", cand.Usage.InputTokens, cand.Usage.OutputTokens)
	}
	return nil
}
