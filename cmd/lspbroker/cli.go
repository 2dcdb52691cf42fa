package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// runCLI drives a single tool invocation without starting the MCP
// stdio transport, the same one-shot shape as the teacher's `cli`
// subcommand.
func runCLI(args []string) int {
	raw := false
	var positional []string
	for _, a := range args {
		switch a {
		case "--raw":
			raw = true
		default:
			positional = append(positional, a)
		}
	}

	srv, _, err := buildServer(slog.Default())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	if len(positional) == 0 || positional[0] == "--help" || positional[0] == "-h" {
		fmt.Fprintf(os.Stderr, "Usage: lspbroker cli [--raw] <tool_name> [json_args]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n  --raw    Print full JSON output (default: human-friendly summary)\n\n")
		fmt.Fprintf(os.Stderr, "Available tools:\n  %s\n", strings.Join(srv.ToolNames(), "\n  "))
		return 0
	}

	toolName := positional[0]
	var argsJSON json.RawMessage
	if len(positional) > 1 {
		argsJSON = json.RawMessage(positional[1])
	}

	result, err := srv.CallTool(context.Background(), toolName, argsJSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	var text string
	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			text = tc.Text
			break
		}
	}

	if result.IsError {
		fmt.Fprintf(os.Stderr, "error: %s\n", text)
		return 1
	}

	if raw {
		printRawJSON(text)
		return 0
	}
	printSummary(toolName, text)
	return 0
}

func printRawJSON(text string) {
	var buf json.RawMessage
	if json.Unmarshal([]byte(text), &buf) == nil {
		if pretty, err := json.MarshalIndent(buf, "", "  "); err == nil {
			fmt.Println(string(pretty))
			return
		}
	}
	fmt.Println(text)
}

// printSummary prints a compact human-friendly summary for the tool
// results that benefit from one; everything else falls back to
// pretty-printed JSON, matching the teacher's default-case behavior.
func printSummary(toolName, text string) {
	var data map[string]any
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		fmt.Println(text)
		return
	}

	switch toolName {
	case "lsp_server_status":
		printServerStatusSummary(data)
	case "lsp_diagnostics":
		printDiagnosticsSummary(data)
	case "lsp_restart_server", "lsp_shutdown_all":
		printRawJSON(text)
	default:
		printRawJSON(text)
	}
}

func printServerStatusSummary(data map[string]any) {
	healthy, _ := data["healthy"].(bool)
	count := jsonInt(data["server_count"])
	overLimit := jsonInt(data["over_limit_count"])
	fmt.Printf("healthy=%v  servers=%d  over_limit=%d\n", healthy, count, overLimit)
	if summary, ok := data["performance_summary"].(string); ok && summary != "" {
		fmt.Println(summary)
	}
	if servers, ok := data["servers"].([]any); ok {
		for _, s := range servers {
			if m, ok := s.(map[string]any); ok {
				fmt.Printf("  %-10v %-30v pid=%v healthy=%v open_docs=%v\n",
					m["Language"], m["ProjectRoot"], m["PID"], m["Healthy"], m["OpenDocs"])
			}
		}
	}
}

func printDiagnosticsSummary(data map[string]any) {
	filePath, _ := data["file_path"].(string)
	if filePath != "" {
		fmt.Printf("%s: %v\n", filePath, data["note"])
		return
	}
	printRawJSON(mustJSON(data))
}

func jsonInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

func mustJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
