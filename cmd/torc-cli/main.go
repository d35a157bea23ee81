package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	apiURL := os.Getenv("TORC_API_URL")
	if apiURL == "" {
		apiURL = "http://localhost:8080"
	}
	operator := os.Getenv("TORC_OPERATOR")

	switch os.Args[1] {
	case "escrow":
		cmdEscrow(apiURL)
	case "saga":
		cmdSaga(apiURL)
	case "dlq":
		cmdDLQ(apiURL, operator)
	case "recon":
		cmdRecon(apiURL)
	case "health":
		cmdHealth(apiURL)
	case "version":
		fmt.Printf("torc-cli v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`TORC Operations CLI v` + version + `

Usage: torc <command> [flags]

Commands:
  escrow    Inspect escrows (list, get <invoice-id>)
  saga      Inspect a saga (get <correlation-id>)
  dlq       Dead-letter queue operations (list, resolve <id>, compensate <id>)
  recon     Reconciliation (status, run, discrepancies)
  health    Pipeline health report
  version   Print version
  help      Show this help

Environment:
  TORC_API_URL    API base URL (default: http://localhost:8080)
  TORC_OPERATOR   Operator identity for DLQ actions

Examples:
  torc escrow get 7c9e6679-7425-40de-944b-e07fc1f90ae7
  torc dlq list
  TORC_OPERATOR=ops@corp torc dlq compensate 42
  torc recon run`)
}

func cmdEscrow(apiURL string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: torc escrow <list|get <invoice-id>>")
		os.Exit(1)
	}
	switch os.Args[2] {
	case "list":
		resp := mustGet(apiURL + "/api/escrows")
		var escrows []map[string]interface{}
		json.Unmarshal(resp, &escrows)
		if len(escrows) == 0 {
			fmt.Println("No escrows.")
			return
		}
		fmt.Printf("%-38s %-10s %-14s %s\n", "INVOICE", "STATUS", "AMOUNT", "TOKEN")
		fmt.Println("--------------------------------------------------------------------------")
		for _, e := range escrows {
			fmt.Printf("%-38s %-10s %-14s %s\n",
				e["invoice_id"], e["status"], e["amount"], e["token"])
		}
	case "get":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: torc escrow get <invoice-id>")
			os.Exit(1)
		}
		printJSON(mustGet(apiURL + "/api/escrows/" + os.Args[3]))
	default:
		fmt.Fprintln(os.Stderr, "Usage: torc escrow <list|get <invoice-id>>")
		os.Exit(1)
	}
}

func cmdSaga(apiURL string) {
	if len(os.Args) < 4 || os.Args[2] != "get" {
		fmt.Fprintln(os.Stderr, "Usage: torc saga get <correlation-id>")
		os.Exit(1)
	}
	printJSON(mustGet(apiURL + "/api/sagas/" + os.Args[3]))
}

func cmdDLQ(apiURL, operator string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: torc dlq <list|resolve <id>|compensate <id>>")
		os.Exit(1)
	}
	switch os.Args[2] {
	case "list":
		resp := mustGet(apiURL + "/api/dlq")
		var entries []map[string]interface{}
		json.Unmarshal(resp, &entries)
		if len(entries) == 0 {
			fmt.Println("Dead-letter queue is empty. ✅")
			return
		}
		fmt.Printf("%-6s %-38s %-20s %-12s %s\n", "ID", "CORRELATION", "OPERATION", "COMPENSATE", "REASON")
		fmt.Println("------------------------------------------------------------------------------------------")
		for _, e := range entries {
			comp := "-"
			if b, _ := e["requires_compensation"].(bool); b {
				comp = fmt.Sprintf("%v", e["compensation_status"])
			}
			fmt.Printf("%-6.0f %-38s %-20s %-12s %s\n",
				toFloat(e["id"]), e["correlation_id"], e["operation_type"], comp, e["failure_reason"])
		}
	case "resolve":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: torc dlq resolve <id> [notes]")
			os.Exit(1)
		}
		requireOperator(operator)
		notes := ""
		if len(os.Args) > 4 {
			notes = os.Args[4]
		}
		body, _ := json.Marshal(map[string]string{"resolved_by": operator, "notes": notes})
		mustPost(apiURL+"/api/dlq/"+os.Args[3]+"/resolve", body, operator)
		fmt.Printf("✅ Resolved DLQ entry %s\n", os.Args[3])
	case "compensate":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: torc dlq compensate <id>")
			os.Exit(1)
		}
		requireOperator(operator)
		body, _ := json.Marshal(map[string]string{"operator": operator})
		mustPost(apiURL+"/api/dlq/"+os.Args[3]+"/compensate", body, operator)
		fmt.Printf("✅ Compensation executed for DLQ entry %s\n", os.Args[3])
	default:
		fmt.Fprintln(os.Stderr, "Usage: torc dlq <list|resolve <id>|compensate <id>>")
		os.Exit(1)
	}
}

func cmdRecon(apiURL string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: torc recon <status|run|discrepancies>")
		os.Exit(1)
	}
	switch os.Args[2] {
	case "status":
		printJSON(mustGet(apiURL + "/api/reconciliation/status"))
	case "run":
		resp := mustPost(apiURL+"/api/reconciliation/run", []byte("{}"), "")
		var summary map[string]interface{}
		json.Unmarshal(resp, &summary)
		fmt.Printf("Run %s: %v (total=%v matched=%v discrepancies=%v amount=%v)\n",
			summary["run_id"], summary["status"], summary["total_count"],
			summary["matched_count"], summary["discrepancy_count"],
			summary["total_discrepancy_amount"])
	case "discrepancies":
		resp := mustGet(apiURL + "/api/reconciliation/discrepancies")
		var rows []map[string]interface{}
		json.Unmarshal(resp, &rows)
		if len(rows) == 0 {
			fmt.Println("No discrepancies. ✅")
			return
		}
		fmt.Printf("%-38s %-18s %-12s %-12s %s\n", "INVOICE", "TYPE", "CHAIN", "DB", "DIFF")
		fmt.Println("------------------------------------------------------------------------------------------")
		for _, row := range rows {
			fmt.Printf("%-38s %-18s %-12s %-12s %s\n",
				row["invoice_id"], row["discrepancy_type"],
				row["chain_status"], row["db_status"], row["discrepancy_amount"])
		}
	default:
		fmt.Fprintln(os.Stderr, "Usage: torc recon <status|run|discrepancies>")
		os.Exit(1)
	}
}

func cmdHealth(apiURL string) {
	resp := mustGet(apiURL + "/api/pipeline/health")
	var report map[string]interface{}
	json.Unmarshal(resp, &report)
	fmt.Printf("Sagas (window): %v\n", report["total_sagas"])
	fmt.Printf("Success rate:   %.2f%%\n", toFloat(report["success_rate"])*100)
	fmt.Printf("Error rate:     %.2f%%\n", toFloat(report["error_rate"])*100)
	fmt.Printf("Avg duration:   %.2fs\n", toFloat(report["avg_processing_time_seconds"]))
	fmt.Printf("DLQ depth:      %.0f\n", toFloat(report["dlq_depth"]))
}

func requireOperator(operator string) {
	if operator == "" {
		fmt.Fprintln(os.Stderr, "Error: TORC_OPERATOR must be set for this action")
		os.Exit(1)
	}
}

func printJSON(raw []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(buf.String())
}

func mustGet(url string) []byte {
	resp, err := doRequest("GET", url, nil, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Request failed: %v\n", err)
		os.Exit(1)
	}
	return resp
}

func mustPost(url string, body []byte, operator string) []byte {
	resp, err := doRequest("POST", url, body, operator)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Request failed: %v\n", err)
		os.Exit(1)
	}
	return resp
}

func doRequest(method, url string, body []byte, operator string) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if operator != "" {
		req.Header.Set("X-Operator", operator)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(raw))
	}
	return raw, nil
}

func toFloat(v interface{}) float64 {
	switch f := v.(type) {
	case float64:
		return f
	case int:
		return float64(f)
	default:
		return 0
	}
}
