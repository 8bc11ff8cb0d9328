package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"promptchain/internal/pipeline"
	"promptchain/internal/queue"
	"promptchain/internal/resolver"
)

func newRunCmd() *cobra.Command {
	var file string
	var watch string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Compile a graph definition and start a pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			var in io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			p, err := startPipeline(cmd.Context(), a.store, in)
			if err != nil {
				return err
			}
			printPipeline(cmd.OutOrStdout(), p)

			if !cmd.Flags().Changed("watch") {
				return nil
			}
			itemID := p.EndID
			if ref := strings.TrimSpace(watch); ref != "" {
				if itemID, err = resolveItem(p, ref); err != nil {
					return err
				}
			}
			return watchItem(cmd.Context(), cmd.OutOrStdout(), a.store, p, itemID, timeout)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "-", "Graph definition in YAML or JSON, - for stdin")
	cmd.Flags().StringVar(&watch, "watch", "", "Follow an item by alias or id until it ends (the end item when empty)")
	cmd.Flags().Lookup("watch").NoOptDefVal = " "
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "Give up watching after this long")

	return cmd
}

func newWatchCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "watch PIPELINE_ID ITEM",
		Short: "Follow an item's events until it ends",
		Long:  "Follow an item's events until it ends. ITEM is an alias, an item id, begin or end.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			itemID, err := resolveItem(p, args[1])
			if err != nil {
				return err
			}
			return watchItem(cmd.Context(), cmd.OutOrStdout(), a.store, p, itemID, timeout)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "Give up after this long")
	return cmd
}

func newConfirmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "confirm PIPELINE_ID ITEM",
		Short: "Release the successors of an item that does not auto-confirm",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			itemID, err := resolveItem(p, args[1])
			if err != nil {
				return err
			}

			// Confirm only joins, so no provider is needed.
			res := resolver.New(a.store, a.client.Redis(), nil, resolver.Config{ItemsStream: a.cfg.ItemsStream}, a.logger)
			if err := res.Confirm(cmd.Context(), p.ID, itemID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Confirmed %s\n", itemID)
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete PIPELINE_ID",
		Short: "Destroy a pipeline and its runtime state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}

func startPipeline(ctx context.Context, store *pipeline.Store, in io.Reader) (*pipeline.Pipeline, error) {
	g, err := pipeline.LoadGraph(in)
	if err != nil {
		return nil, err
	}
	p, err := pipeline.Compile(g)
	if err != nil {
		return nil, err
	}
	if err := store.Save(ctx, p); err != nil {
		return nil, err
	}
	if err := store.Start(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// resolveItem accepts an alias, an item id, "begin" or "end".
func resolveItem(p *pipeline.Pipeline, ref string) (string, error) {
	switch ref {
	case "begin":
		return p.BeginID, nil
	case "end":
		return p.EndID, nil
	}
	if id, ok := p.AliasIndex()[ref]; ok {
		return id, nil
	}
	if _, err := p.Node(ref); err != nil {
		return "", err
	}
	return ref, nil
}

func printPipeline(w io.Writer, p *pipeline.Pipeline) {
	fmt.Fprintf(w, "Pipeline started: %s\n", p.ID)

	index := p.AliasIndex()
	aliases := make([]string, 0, len(index))
	for alias := range index {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		fmt.Fprintf(w, "  %-20s %s\n", alias, index[alias])
	}
}

// watchItem prints content deltas as they arrive. Following the end item
// prints the final content of every node once the pipeline completes.
func watchItem(ctx context.Context, w io.Writer, store *pipeline.Store, p *pipeline.Pipeline, itemID string, timeout time.Duration) error {
	item, err := store.Item(p, itemID)
	if err != nil {
		return err
	}

	err = item.Watch(ctx, timeout, func(ev queue.Event) error {
		if ev.Kind == queue.EventContent {
			_, err := io.WriteString(w, ev.Content)
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(w)

	if !item.IsEnd() {
		return nil
	}

	index := p.AliasIndex()
	ids := make([]string, 0, len(index))
	for _, id := range index {
		ids = append(ids, id)
	}
	contents, err := store.Contents(ctx, ids)
	if err != nil {
		return err
	}

	results := make(map[string]string, len(index))
	for alias, id := range index {
		results[alias] = contents[id]
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}
