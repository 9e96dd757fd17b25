package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm/integrity/pkg/verify"
)

type outputFormat string

const (
	outputTable outputFormat = "table"
	outputJSON  outputFormat = "json"
	outputYAML  outputFormat = "yaml"
)

func parseOutputFormat(s string) (outputFormat, error) {
	switch strings.ToLower(s) {
	case "table", "":
		return outputTable, nil
	case "json":
		return outputJSON, nil
	case "yaml":
		return outputYAML, nil
	default:
		return "", fmt.Errorf("unsupported output format %q (supported: table, json, yaml)", s)
	}
}

// report prints res and turns an invalid verdict into errInvalid.
func report(cmd *cobra.Command, opts *options, res verify.Result) error {
	format, err := parseOutputFormat(opts.output)
	if err != nil {
		return err
	}
	if err := printResult(cmd.OutOrStdout(), format, res); err != nil {
		return err
	}
	if !res.Valid {
		return errInvalid
	}
	return nil
}

func printResult(w io.Writer, format outputFormat, res verify.Result) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(res)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	verdict, first := "VALID", "-"
	if !res.Valid {
		verdict = "INVALID"
	}
	if res.FirstInvalid != nil {
		first = strconv.FormatUint(*res.FirstInvalid, 10)
	}
	fmt.Fprintln(tw, "CHECK\tRESULT\tCHECKED\tFIRST INVALID\tREASON")
	fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", res.Check, verdict, res.Checked, first, res.Reason)
	return tw.Flush()
}
