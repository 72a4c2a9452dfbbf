package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fableloom/fableloom/internal/compact"
	"github.com/fableloom/fableloom/internal/orchestrator"
	"github.com/fableloom/fableloom/internal/story"
)

func init() {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start an interactive story session",
		Long: "Starts the interactive loop. Plain input is sent as your character's\n" +
			"action; slash commands control the session:\n\n" +
			"  /new               open the story from the configured premise\n" +
			"  /continue          let the narrator carry on without input\n" +
			"  /reroll            regenerate the last response\n" +
			"  /intervene <text>  out-of-character directive to the narrator\n" +
			"  /budget            token breakdown of the last turn's context\n" +
			"  /memory            entries retrieved for the last turn\n" +
			"  /calls             recent provider calls\n" +
			"  /compact <1|2>     merge old scene memories into a summary\n" +
			"  /quit              save and exit",
		Run: runStory,
	}
	RootCmd.AddCommand(cmd)
}

func runStory(cmd *cobra.Command, _ []string) {
	ctx := cmd.Context()

	application, err := buildApp(ctx)
	if err != nil {
		exitErr("start", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = application.Close(closeCtx)
	}()

	sess := application.Session()
	if title := sess.Title(); title != "" {
		fmt.Printf("— %s —\n", title)
	} else {
		fmt.Println("No story yet. Type /new to begin.")
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return
		}
		if handleCommand(ctx, application, line) {
			continue
		}
		doTurn(ctx, application, orchestrator.Turn{Action: orchestrator.ActionSend, Input: line})
	}
}

// handleCommand dispatches slash commands. It reports false for plain story
// input.
func handleCommand(ctx context.Context, application appHandle, line string) bool {
	if !strings.HasPrefix(line, "/") {
		return false
	}
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/new":
		doTurn(ctx, application, orchestrator.Turn{Action: orchestrator.ActionNewStory})
	case "/continue":
		doTurn(ctx, application, orchestrator.Turn{Action: orchestrator.ActionContinue})
	case "/reroll":
		doTurn(ctx, application, orchestrator.Turn{Action: orchestrator.ActionReroll})
	case "/intervene":
		if rest == "" {
			fmt.Println("usage: /intervene <directive>")
			return true
		}
		doTurn(ctx, application, orchestrator.Turn{Action: orchestrator.ActionIntervene, Input: rest})
	case "/budget":
		printBudget(application.Orchestrator())
	case "/memory":
		printRetrieved(application.Orchestrator())
	case "/calls":
		printCalls(application.Orchestrator())
	case "/compact":
		level := 1
		if rest == "2" {
			level = 2
		} else if rest != "" && rest != "1" {
			fmt.Println("usage: /compact <1|2>")
			return true
		}
		runCompaction(ctx, application.Compactor(), level)
	default:
		fmt.Printf("unknown command %q\n", cmd)
	}
	return true
}

// appHandle is the slice of *app.App the loop needs; it keeps handleCommand
// testable without wiring a full application.
type appHandle interface {
	Orchestrator() *orchestrator.Orchestrator
	Compactor() *compact.Engine
}

func doTurn(ctx context.Context, application appHandle, turn orchestrator.Turn) {
	res, err := application.Orchestrator().Run(ctx, turn)
	switch {
	case errors.Is(err, story.ErrSessionBusy):
		fmt.Println("still thinking — wait for the current turn to finish")
		return
	case err != nil:
		fmt.Fprintf(os.Stderr, "turn failed: %v\n", err)
		return
	}

	if res.Title != "" {
		fmt.Printf("\n— %s —\n", res.Title)
	}
	fmt.Println()
	for _, item := range res.Items {
		if item.Speaker != "" {
			fmt.Printf("%s: %s\n", item.Speaker, item.Text)
		} else {
			fmt.Println(item.Text)
		}
	}
	fmt.Println()
}

func printBudget(orc *orchestrator.Orchestrator) {
	b, ok := orc.LastBudget()
	if !ok {
		fmt.Println("no turn has run yet")
		return
	}
	fmt.Printf("system %d | world %d | lore %d | memory %d | chat %d | total %d tokens\n",
		b.System, b.World, b.Lore, b.Memory, b.Chat, b.Total)
}

func printRetrieved(orc *orchestrator.Orchestrator) {
	hits := orc.LastRetrieved()
	if len(hits) == 0 {
		fmt.Println("nothing retrieved for the last turn")
		return
	}
	for _, h := range hits {
		fmt.Printf("[%s L%d %.3f] %s\n", h.Namespace, h.Level, h.Score, h.Text)
	}
}

func printCalls(orc *orchestrator.Orchestrator) {
	calls := orc.Calls().Recent(10)
	if len(calls) == 0 {
		fmt.Println("no provider calls yet")
		return
	}
	for _, c := range calls {
		fmt.Printf("%s %s %s prompt=%d completion=%d\n",
			c.At.Format(time.TimeOnly), c.Fn, c.Model, c.PromptTokens, c.CompletionTokens)
	}
}

func runCompaction(ctx context.Context, engine *compact.Engine, level int) {
	res, err := engine.Compact(ctx, level)
	var insufficient *compact.InsufficientEntriesError
	switch {
	case errors.As(err, &insufficient):
		fmt.Printf("nothing to compact: level %d has %d entries, needs %d\n",
			level-1, insufficient.Count, insufficient.Threshold)
	case err != nil:
		fmt.Fprintf(os.Stderr, "compaction failed: %v\n", err)
	default:
		fmt.Printf("merged %d entries into level-%d summary %s\n",
			res.SourceCount, res.Level, res.EntryID)
	}
}
