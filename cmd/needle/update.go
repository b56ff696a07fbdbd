package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kailas-cloud/needle"
)

const updateChunk = 1000

var (
	updateModel string
	updatePK    string
	updateFile  string
	clearModels []string
	clearYes    bool
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Index newline-delimited JSON objects",
	Long: `Read one JSON object per line from stdin (or --file) and index each as
an object of --model. The --pk attribute names the primary key.`,
	Example: `  needle update --model blog.note < notes.ndjson`,
	RunE:    runUpdate,
}

var removeCmd = &cobra.Command{
	Use:   "remove IDENTIFIER...",
	Short: "Remove documents by app.model.pk identifier",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRemove,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every document of the given models, or of all models",
	RunE:  runClear,
}

func init() {
	updateCmd.Flags().StringVar(&updateModel, "model", "", "Entity type as app.model (required)")
	updateCmd.Flags().StringVar(&updatePK, "pk", "id", "Attribute holding the primary key")
	updateCmd.Flags().StringVarP(&updateFile, "file", "f", "", "Read from file instead of stdin")
	_ = updateCmd.MarkFlagRequired("model")

	clearCmd.Flags().StringSliceVar(&clearModels, "model", nil, "Entity types to clear (default: all)")
	clearCmd.Flags().BoolVar(&clearYes, "yes", false, "Confirm the removal")

	rootCmd.AddCommand(updateCmd, removeCmd, clearCmd)
}

func runUpdate(cmd *cobra.Command, _ []string) error {
	m, err := needle.ParseModel(updateModel)
	if err != nil {
		return err
	}
	in := cmd.InOrStdin()
	if updateFile != "" {
		f, err := os.Open(updateFile)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		in = f
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	var indexed, failed int
	err = readObjects(in, m, updatePK, updateChunk, func(objs []needle.Object) error {
		n, f := indexChunk(cmd.Context(), a, objs)
		indexed += n
		failed += f
		return nil
	})
	fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d objects of %s, %d failed\n", indexed, m, failed)
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d objects failed, see log", failed)
	}
	return nil
}

func indexChunk(ctx context.Context, a *app, objs []needle.Object) (int, int) {
	results, err := a.client.Update(ctx, objs...)
	if err == nil {
		return len(results), 0
	}
	failed := 0
	for _, r := range results {
		if r.Status() == needle.StatusError {
			failed++
			a.logger.Warn("object not indexed", zap.String("id", r.ID()), zap.Error(r.Err()))
		}
	}
	return len(results) - failed, failed
}

// readObjects decodes newline-delimited JSON objects and hands them to fn
// in chunks of size.
func readObjects(r io.Reader, m needle.Model, pkAttr string, size int, fn func([]needle.Object) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	chunk := make([]needle.Object, 0, size)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var attrs map[string]any
		if err := json.Unmarshal([]byte(text), &attrs); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		pk, ok := attrs[pkAttr]
		if !ok || pk == nil || fmt.Sprint(pk) == "" {
			return fmt.Errorf("line %d: missing %q: %w", line, pkAttr, needle.ErrField)
		}
		chunk = append(chunk, needle.NewDocument(m, fmt.Sprint(pk), attrs))
		if len(chunk) == size {
			if err := fn(chunk); err != nil {
				return err
			}
			chunk = make([]needle.Object, 0, size)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read objects: %w", err)
	}
	if len(chunk) > 0 {
		return fn(chunk)
	}
	return nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	results, err := a.client.Remove(cmd.Context(), args...)
	fmt.Fprintf(cmd.OutOrStdout(), "Processed %d identifiers\n", len(results))
	return err
}

func runClear(cmd *cobra.Command, _ []string) error {
	models := make([]needle.Model, 0, len(clearModels))
	for _, label := range clearModels {
		m, err := needle.ParseModel(label)
		if err != nil {
			return err
		}
		models = append(models, m)
	}
	if !clearYes {
		return fmt.Errorf("clear removes documents irreversibly, pass --yes to confirm")
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.client.Clear(cmd.Context(), models...); err != nil {
		return err
	}
	if len(models) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Removed all documents")
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Removed all documents of %s\n", strings.Join(clearModels, ", "))
	}
	return nil
}
