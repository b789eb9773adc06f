package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// addOutputFlag adds -o/--output to a listing command.
func addOutputFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", "text", "Output format: text or yaml")
}

// printYAML writes v as YAML when the command was asked for it and reports
// whether it did.
func printYAML(cmd *cobra.Command, v any) (bool, error) {
	format, _ := cmd.Flags().GetString("output")
	switch format {
	case "", "text":
		return false, nil
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, fmt.Errorf("encoding yaml: %w", err)
		}
		return true, enc.Close()
	default:
		return true, fmt.Errorf("unknown output format %q", format)
	}
}

func bytesOf(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

func when(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}

// message picks the most relevant status message of an entity.
func message(errMsg, warnMsg, progressMsg string) string {
	switch {
	case errMsg != "":
		return "error: " + errMsg
	case warnMsg != "":
		return "warning: " + warnMsg
	default:
		return progressMsg
	}
}
