package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cloudxsgmbh/dynamodb-orm-go"
)

var (
	headingColor = color.New(color.Bold, color.FgCyan)
	filterColor  = color.New(color.FgGreen)
	dimColor     = color.New(color.FgHiBlack)
)

func newCompileCmd() *cobra.Command {
	var vars []string
	cmd := &cobra.Command{
		Use:   "compile <predicate>",
		Short: "Compile a predicate to a DynamoDB filter expression",
		Long: `Compile a predicate such as

  x => x.Id == 0 && x.Name.begins_with($prefix)

and print the filter expression with its attribute names and values.
Variables are passed as --var name=value.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bound, err := parseVars(vars)
			if err != nil {
				return err
			}
			return runCompile(cmd.OutOrStdout(), args[0], bound)
		},
	}
	cmd.Flags().StringArrayVar(&vars, "var", nil, "predicate variable as name=value (repeatable)")
	return cmd
}

// parseVars turns name=value pairs into predicate variables. Values are
// typed as int, float or bool when they parse as one, string otherwise.
func parseVars(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		name = strings.TrimPrefix(strings.TrimSpace(name), "$")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --var %q, expected name=value", pair)
		}
		out[name] = typedValue(raw)
	}
	return out, nil
}

func typedValue(raw string) any {
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}

func runCompile(out io.Writer, src string, vars map[string]any) error {
	p, err := dynorm.ParsePredicate(src, vars)
	if err != nil {
		return err
	}
	compiled, err := dynorm.CompileSchemaless(p)
	if err != nil {
		return err
	}

	headingColor.Fprint(out, "Predicate: ")
	fmt.Fprintln(out, p.String())
	headingColor.Fprint(out, "Filter:    ")
	filterColor.Fprintln(out, compiled.Filter)

	headingColor.Fprintln(out, "Names:")
	for _, ph := range sortedKeys(compiled.Names) {
		fmt.Fprintf(out, "  %s = %s\n", ph, compiled.Names[ph])
	}
	headingColor.Fprintln(out, "Values:")
	for _, ph := range sortedKeys(compiled.Values) {
		fmt.Fprintf(out, "  %s = %s\n", ph, formatValue(compiled.Values[ph]))
	}
	if len(compiled.Values) == 0 {
		dimColor.Fprintln(out, "  (none)")
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatValue renders a wire value as TYPE:value, e.g. N:42 or S:"a".
func formatValue(av types.AttributeValue) string {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return "S:" + strconv.Quote(v.Value)
	case *types.AttributeValueMemberN:
		return "N:" + v.Value
	case *types.AttributeValueMemberBOOL:
		return "BOOL:" + strconv.FormatBool(v.Value)
	case *types.AttributeValueMemberNULL:
		return "NULL"
	case *types.AttributeValueMemberB:
		return fmt.Sprintf("B:%x", v.Value)
	case *types.AttributeValueMemberSS:
		return "SS:[" + strings.Join(quoteAll(v.Value), ", ") + "]"
	case *types.AttributeValueMemberNS:
		return "NS:[" + strings.Join(v.Value, ", ") + "]"
	case *types.AttributeValueMemberL:
		parts := make([]string, len(v.Value))
		for i, e := range v.Value {
			parts[i] = formatValue(e)
		}
		return "L:[" + strings.Join(parts, ", ") + "]"
	case *types.AttributeValueMemberM:
		keys := sortedKeys(v.Value)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ": " + formatValue(v.Value[k])
		}
		return "M:{" + strings.Join(parts, ", ") + "}"
	default:
		return fmt.Sprintf("%T", av)
	}
}

func quoteAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strconv.Quote(s)
	}
	return out
}
