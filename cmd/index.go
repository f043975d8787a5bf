package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/app"
	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/ingest"
)

var (
	indexExtensions []string
	indexMaxChars   int
	forceReindex    bool
	exportFile      string
)

var indexCmd = &cobra.Command{
	Use:   "index [path-or-url]",
	Short: "Index a manuscript into the memory store",
	Long: `Split a manuscript into passages and index them for retrieval.

The target may be a local directory, a local Git repository (read at HEAD),
or a remote Git URL (shallow-cloned in memory). Markdown headings become the
chapter of the passages that follow them.

Examples:
  starry index ./manuscript
  starry index https://github.com/user/novel --ext .md
  starry index ./manuscript --export passages.json`,
	Args: cobra.ExactArgs(1),
	RunE: runIndex,
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.Flags().StringSliceVar(&indexExtensions, "ext", ingest.DefaultOptions().Extensions, "File extensions to read")
	indexCmd.Flags().IntVar(&indexMaxChars, "max-chars", ingest.DefaultOptions().MaxChars, "Maximum characters per passage")
	indexCmd.Flags().BoolVar(&forceReindex, "force", false, "Replace passages that are already indexed")
	indexCmd.Flags().StringVar(&exportFile, "export", "", "Also write passages to a JSON file: --export <filename>")
}

func runIndex(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	opts := ingest.DefaultOptions()
	opts.Extensions = indexExtensions
	opts.MaxChars = indexMaxChars

	result, err := ingest.Load(ctx, args[0], opts)
	if err != nil {
		return fmt.Errorf("ingest failed: %w", err)
	}

	if exportFile != "" {
		if err := handleExport(result, exportFile); err != nil {
			return err
		}
	}

	a, err := newApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.Index(ctx, result.Passages, forceReindex)
	if err != nil {
		return fmt.Errorf("indexing failed: %w", err)
	}
	return outputTable(result, report)
}

func handleExport(result *ingest.Result, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result.Passages); err != nil {
		return fmt.Errorf("export failed: %w", err)
	}

	fmt.Printf("✓ Exported %d passages to %s\n", len(result.Passages), filename)
	return nil
}

func outputTable(result *ingest.Result, report app.IndexReport) error {
	var (
		headerColor  = lipgloss.Color("#F780FF") // Bright pink/magenta
		sourceColor  = lipgloss.Color("#BD93F9") // Purple
		numberColor  = lipgloss.Color("#FF79C6") // Pink
		chapterColor = lipgloss.Color("#E9E9F4") // Light purple/white
		borderColor  = lipgloss.Color("#6272A4") // Muted purple
		summaryColor = lipgloss.Color("#8BE9FD") // Cyan accent
	)

	const (
		sourceWidth  = 36
		passageWidth = 10
		chapterWidth = 40
	)

	headerStyle := lipgloss.NewStyle().
		Foreground(headerColor).
		Bold(true).
		Padding(0, 1)
	borderStyle := lipgloss.NewStyle().Foreground(borderColor)

	headers := []string{
		headerStyle.Width(sourceWidth).Render("SOURCE"),
		headerStyle.Width(passageWidth).Render("PASSAGES"),
		headerStyle.Width(chapterWidth).Render("CHAPTERS"),
	}
	fmt.Println(strings.Join(headers, borderStyle.Render("│")))
	fmt.Println(borderStyle.Render(strings.Join([]string{
		strings.Repeat("─", sourceWidth),
		strings.Repeat("─", passageWidth),
		strings.Repeat("─", chapterWidth),
	}, "┼")))

	sourceStyle := lipgloss.NewStyle().Foreground(sourceColor).Padding(0, 1).Width(sourceWidth)
	numStyle := lipgloss.NewStyle().Foreground(numberColor).Padding(0, 1).Width(passageWidth).Align(lipgloss.Right)
	chapterStyle := lipgloss.NewStyle().Foreground(chapterColor).Padding(0, 1).Width(chapterWidth)

	for _, row := range summarizeSources(result.Passages) {
		cells := []string{
			sourceStyle.Render(row.source),
			numStyle.Render(fmt.Sprintf("%d", row.passages)),
			chapterStyle.Render(truncate(strings.Join(row.chapters, ", "), chapterWidth-2)),
		}
		fmt.Println(strings.Join(cells, borderStyle.Render("│")))
	}

	fmt.Println()
	summaryStyle := lipgloss.NewStyle().
		Foreground(summaryColor).
		Italic(true)

	summary := fmt.Sprintf("Total: %d manuscripts, %d passages (%d indexed, %d skipped) into %s",
		len(result.Manuscripts), len(result.Passages), report.Indexed, report.Skipped, report.Backend)
	if result.Revision != "" {
		summary += fmt.Sprintf(" at %.8s", result.Revision)
	}
	fmt.Println(summaryStyle.Render(summary))
	return nil
}

type sourceRow struct {
	source   string
	passages int
	chapters []string
}

// summarizeSources groups passages by source, keeping first-seen order.
func summarizeSources(passages []ingest.Passage) []sourceRow {
	var rows []sourceRow
	index := make(map[string]int)
	for _, p := range passages {
		i, ok := index[p.Source]
		if !ok {
			i = len(rows)
			index[p.Source] = i
			rows = append(rows, sourceRow{source: p.Source})
		}
		rows[i].passages++
		if n := len(rows[i].chapters); n == 0 || rows[i].chapters[n-1] != p.Chapter {
			rows[i].chapters = append(rows[i].chapters, p.Chapter)
		}
	}
	return rows
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
