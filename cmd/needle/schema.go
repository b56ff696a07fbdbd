package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kailas-cloud/needle"
)

var (
	schemaUsing string
	setupUsing  string
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the engine-native schema of a connection",
	Long: `Print the schema needle would create for a connection: the Solr field
list, the Elasticsearch mapping, the bleve index mapping or the SQLite DDL.`,
	RunE: runSchema,
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create the schema or mapping of a connection",
	RunE:  runSetup,
}

func init() {
	schemaCmd.Flags().StringVar(&schemaUsing, "using", needle.DefaultAlias, "Connection alias")
	setupCmd.Flags().StringVar(&setupUsing, "using", needle.DefaultAlias, "Connection alias")
	rootCmd.AddCommand(schemaCmd, setupCmd)
}

func runSchema(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	docField, schema, err := a.client.Schema(schemaUsing)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if s, ok := schema.(string); ok {
		fmt.Fprintf(out, "-- document field: %s\n%s\n", docField, s)
		return nil
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"document_field": docField,
		"schema":         schema,
	})
}

func runSetup(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.client.Setup(cmd.Context(), setupUsing); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Schema of %q is ready\n", setupUsing)
	return nil
}
