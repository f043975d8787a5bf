package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/engine"
)

var (
	tier       string
	contextKVs map[string]string
	optionKVs  map[string]string
	verbose    bool
)

var askCmd = &cobra.Command{
	Use:   "ask [query]",
	Short: "Generate a passage for a request",
	Long: `Run one request through the generation pipeline and print the result.

Context and options are key=value pairs. Comma-separated values become
lists, so --context characters=Mei,Jun names two characters.

Examples:
  starry ask "Continue the chapter after the shipwreck"
  starry ask "Write a dialogue at the docks" --tier vip --context characters=Mei,Jun
  starry ask "Describe the temple" --option max_chars=600 --verbose`,
	Args: cobra.ExactArgs(1),
	RunE: runAsk,
}

func init() {
	rootCmd.AddCommand(askCmd)
	askCmd.Flags().StringVar(&tier, "tier", engine.TierRegular.Value(), "User tier: regular or vip")
	askCmd.Flags().StringToStringVar(&contextKVs, "context", nil, "Request context as key=value pairs")
	askCmd.Flags().StringToStringVar(&optionKVs, "option", nil, "Request options as key=value pairs")
	askCmd.Flags().BoolVar(&verbose, "verbose", false, "Show the run's debug trail")
}

func runAsk(cmd *cobra.Command, args []string) error {
	query := args[0]
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		headerColor  = lipgloss.Color("#F780FF") // Bright pink
		queryColor   = lipgloss.Color("#8BE9FD") // Cyan
		answerColor  = lipgloss.Color("#E9E9F4") // Light purple/white
		contextColor = lipgloss.Color("#6272A4") // Muted purple
		errorColor   = lipgloss.Color("#FF5555") // Red
	)

	headerStyle := lipgloss.NewStyle().
		Foreground(headerColor).
		Bold(true)
	queryStyle := lipgloss.NewStyle().
		Foreground(queryColor).
		Italic(true)
	answerStyle := lipgloss.NewStyle().
		Foreground(answerColor)
	contextStyle := lipgloss.NewStyle().
		Foreground(contextColor).
		Italic(true)
	errorStyle := lipgloss.NewStyle().
		Foreground(errorColor).
		Bold(true)

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	options := parseKVs(optionKVs)
	if verbose {
		options[engine.OptionVerbose] = true
	}
	req, err := engine.NewRequest(query, parseKVs(contextKVs), options)
	if err != nil {
		return fmt.Errorf("%s %w", errorStyle.Render("Error:"), err)
	}

	a, err := newApp(ctx, cfg, logger, nil)
	if err != nil {
		return fmt.Errorf("%s %w", errorStyle.Render("Error:"), err)
	}
	defer a.Close()

	fmt.Println()
	fmt.Println(headerStyle.Render("Request:"))
	fmt.Println(queryStyle.Render(query))
	fmt.Println()

	resp, err := a.Run(ctx, req, engine.UserTier(tier))
	if err != nil {
		var failure *engine.Failure
		if verbose && errors.As(err, &failure) {
			printDebug(contextStyle, failure.Debug)
		}
		return fmt.Errorf("%s %w", errorStyle.Render("Error:"), err)
	}

	fmt.Println(headerStyle.Render("Passage:"))
	fmt.Println()
	fmt.Println(answerStyle.Render(strings.TrimSpace(resp.Content)))
	fmt.Println()

	if verbose {
		printDebug(contextStyle, resp.Debug)
	}
	return nil
}

// parseKVs turns flag pairs into request values. Values with commas become lists.
func parseKVs(kvs map[string]string) map[string]any {
	out := make(map[string]any, len(kvs))
	for k, v := range kvs {
		if !strings.Contains(v, ",") {
			out[k] = v
			continue
		}
		var items []any
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		out[k] = items
	}
	return out
}

func printDebug(style lipgloss.Style, debug map[string]any) {
	if len(debug) == 0 {
		return
	}
	raw, err := json.MarshalIndent(debug, "", "  ")
	if err != nil {
		return
	}
	fmt.Println(style.Render("Debug:"))
	fmt.Println(style.Render(string(raw)))
	fmt.Println()
}
