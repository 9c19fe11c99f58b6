package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/citolabs/cito/internal/app"
	"github.com/citolabs/cito/internal/config"
	"github.com/citolabs/cito/internal/engine"
)

var (
	queryPrincipal   string
	queryCollections []string
	queryStream      bool
)

var queryCmd = &cobra.Command{
	Use:   "query [question]",
	Short: "Ask the knowledge base a question",
	Long: `Run one query through the full pipeline and print the cited answer.
With --stream, tokens are printed as they arrive.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringVarP(&queryPrincipal, "principal", "p", "", "principal to run the query as (required)")
	queryCmd.Flags().StringSliceVarP(&queryCollections, "collections", "c", nil, "restrict the search to these collections")
	queryCmd.Flags().BoolVar(&queryStream, "stream", false, "print tokens as they arrive")
	_ = queryCmd.MarkFlagRequired("principal")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer a.Close()

	req := engine.Request{
		Principal:   queryPrincipal,
		Query:       strings.Join(args, " "),
		Collections: queryCollections,
	}

	if queryStream {
		return streamQuery(ctx, a.Engine, req, os.Stdout)
	}

	result, err := a.Engine.Query(ctx, req)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	printResult(os.Stdout, result)
	return nil
}

// streamQuery prints tokens as they arrive and the citation summary at
// the end.
func streamQuery(ctx context.Context, eng *engine.Engine, req engine.Request, w io.Writer) error {
	var result *engine.Result
	err := eng.Stream(ctx, req, func(ev engine.Event) error {
		switch ev.Type {
		case engine.EventToken:
			fmt.Fprint(w, ev.Token)
		case engine.EventDone:
			result = ev.Result
		case engine.EventError:
			return fmt.Errorf("%s: %s", ev.Code, ev.Message)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	fmt.Fprintln(w)
	printSummary(w, result)
	return nil
}

// printResult renders the aggregate result: answer first, then sources
// and score.
func printResult(w io.Writer, result *engine.Result) {
	fmt.Fprintln(w, result.Answer)
	printSummary(w, result)
}

func printSummary(w io.Writer, result *engine.Result) {
	if len(result.Citations) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Sources:")
		for _, c := range result.Citations {
			loc := c.CollectionName
			if c.Page != nil {
				loc += fmt.Sprintf(", page %d", *c.Page)
			}
			if c.Section != "" {
				loc += ", " + c.Section
			}
			fmt.Fprintf(w, "  [%d] %s (%s)\n", c.Marker, c.DocumentName, loc)
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Confidence: %.2f\n", result.Confidence)
	if result.Disclaimer != "" {
		fmt.Fprintf(w, "Note: %s\n", result.Disclaimer)
	}
}
