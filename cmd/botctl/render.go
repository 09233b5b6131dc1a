package main

import (
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"gopkg.in/yaml.v3"
)

// emitRaw prints the response as JSON or YAML when a machine format was
// requested. It reports false for table output.
func (e *cliEnv) emitRaw(res gjson.Result) (bool, error) {
	switch e.output {
	case "json":
		_, err := io.WriteString(e.out, string(pretty.Pretty([]byte(res.Raw))))
		return true, err
	case "yaml":
		// JSON is valid YAML; decoding into a node keeps the key order.
		var doc yaml.Node
		if err := yaml.Unmarshal([]byte(res.Raw), &doc); err != nil {
			return true, err
		}
		blockStyle(&doc)
		enc := yaml.NewEncoder(e.out)
		enc.SetIndent(2)
		if err := enc.Encode(&doc); err != nil {
			return true, err
		}
		return true, enc.Close()
	default:
		return false, nil
	}
}

func blockStyle(n *yaml.Node) {
	n.Style &^= yaml.FlowStyle | yaml.DoubleQuotedStyle
	for _, c := range n.Content {
		blockStyle(c)
	}
}

func newTable(w io.Writer, header ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row(header))
	return t
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func shortTime(s string) string {
	if s == "" {
		return "-"
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return s
	}
	return ts.Local().Format("2006-01-02 15:04:05")
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func joinArray(r gjson.Result) string {
	arr := r.Array()
	if len(arr) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(arr))
	for _, v := range arr {
		parts = append(parts, v.String())
	}
	return strings.Join(parts, ", ")
}
