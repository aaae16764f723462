package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// addOutputFlag registers the --output flag.
func addOutputFlag(c *cobra.Command) {
	c.Flags().StringP("output", "o", "text", "output format (text, json, yaml)")
}

// render writes v in the format selected by --output. text uses printText.
func render(c *cobra.Command, v any, printText func(io.Writer) error) error {
	format, _ := c.Flags().GetString("output")
	out := c.OutOrStdout()

	switch format {
	case "", "text":
		return printText(out)
	case "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling output: %w", err)
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("marshaling output: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (text, json, yaml)", format)
	}
}
