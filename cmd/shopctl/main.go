package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/example/shopfloor/pkg/shopapi"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "dispatch":
		runDispatch(os.Args[2:])
	case "queues":
		runQueues(os.Args[2:])
	case "machine":
		runMachine(os.Args[2:])
	case "workflow":
		runWorkflow(os.Args[2:])
	case "transitions":
		runTransitions(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: shopctl <dispatch|queues|machine|workflow|transitions> [...]")
}

func runDispatch(args []string) {
	fs := flag.NewFlagSet("dispatch", flag.ExitOnError)
	url := fs.String("url", serverURL(), "dispatcher URL")
	taskID := fs.String("task", "", "task id to dispatch")
	_ = fs.Parse(args)
	if strings.TrimSpace(*taskID) == "" {
		fatalf("-task is required")
	}
	var resp shopapi.DispatchResponse
	postJSON(*url+"/v1/dispatch", shopapi.DispatchRequest{Action: "dispatch", TaskID: *taskID}, &resp)
	if resp.Queued {
		fmt.Printf("queued on %s at position %d (queue item %s)\n", resp.MachineID, resp.Position, resp.QueueItemID)
		return
	}
	fmt.Printf("started run %s on %s\n", resp.RunID, resp.MachineID)
}

func runQueues(args []string) {
	fs := flag.NewFlagSet("queues", flag.ExitOnError)
	url := fs.String("url", serverURL(), "dispatcher URL")
	machine := fs.String("machine", "", "optional machine filter")
	_ = fs.Parse(args)
	var resp shopapi.DispatchResponse
	postJSON(*url+"/v1/dispatch", shopapi.DispatchRequest{Action: "get-queues", TargetMachine: *machine}, &resp)
	if len(resp.QueueItems) == 0 {
		fmt.Println("no queued items")
		return
	}
	for _, item := range resp.QueueItems {
		fmt.Printf("%-20s pos=%-3d task=%-16s %s/%s qty=%d/%d\n",
			item.MachineID, item.Position, item.TaskID, item.TaskType, item.MaterialCode, item.QtyCompleted, item.QtyRequired)
	}
}

func runMachine(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: shopctl machine <start|start-queued|pause|resume|block|complete|status|operator> [...]")
		os.Exit(1)
	}
	action := args[0]
	fs := flag.NewFlagSet("machine "+action, flag.ExitOnError)
	url := fs.String("url", serverURL(), "dispatcher URL")
	machineID := fs.String("machine", "", "machine id")
	runID := fs.String("run", "", "run id")
	queueItemID := fs.String("queue-item", "", "queue item id")
	process := fs.String("process", "", "process, e.g. cut")
	barCode := fs.String("material", "", "material code")
	qty := fs.Int("qty", 0, "quantity")
	output := fs.Int("output", 0, "output quantity")
	scrap := fs.Int("scrap", 0, "scrap quantity")
	notes := fs.String("notes", "", "notes")
	status := fs.String("status", "", "status for update-status")
	operator := fs.String("operator", "", "operator profile id")
	_ = fs.Parse(args[1:])

	req := shopapi.MachineRequest{
		MachineID:   *machineID,
		RunID:       *runID,
		QueueItemID: *queueItemID,
		Process:     *process,
		BarCode:     *barCode,
		Notes:       *notes,
	}
	switch action {
	case "start":
		req.Action = "start-run"
		req.Qty = qty
	case "start-queued":
		req.Action = "start-queued-run"
	case "pause":
		req.Action = "pause-run"
	case "resume":
		req.Action = "resume-run"
	case "block":
		req.Action = "block-run"
	case "complete":
		req.Action = "complete-run"
		req.OutputQty = output
		req.ScrapQty = scrap
	case "status":
		req.Action = "update-status"
		req.Status = *status
	case "operator":
		req.Action = "assign-operator"
		req.OperatorProfileID = *operator
	default:
		fatalf("unknown machine action %q", action)
	}
	var resp shopapi.MachineResponse
	postJSON(*url+"/v1/machines", req, &resp)
	fmt.Printf("machine=%s status=%s run=%s\n", resp.MachineID, resp.MachineStatus, resp.MachineRunID)
}

func runWorkflow(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: shopctl workflow <delivery|pipeline|gate> [...]")
		os.Exit(1)
	}
	kind := args[0]
	fs := flag.NewFlagSet("workflow "+kind, flag.ExitOnError)
	url := fs.String("url", serverURL(), "dispatcher URL")
	entity := fs.String("entity", "", "entity id")
	to := fs.String("to", "", "target state")
	gate := fs.String("kind", "", "gate record kind")
	_ = fs.Parse(args[1:])
	if strings.TrimSpace(*entity) == "" {
		fatalf("-entity is required")
	}
	switch kind {
	case "delivery", "pipeline":
		var resp shopapi.WorkflowTransitionResponse
		postJSON(*url+"/v1/workflows/"+kind, shopapi.WorkflowTransitionRequest{EntityID: *entity, To: *to}, &resp)
		if resp.Success {
			fmt.Printf("%s: %s -> %s (%s)\n", resp.Graph, resp.From, resp.To, resp.Result)
			return
		}
		fmt.Printf("%s: %s -> %s blocked (%s)", resp.Graph, resp.From, resp.To, resp.Reason)
		if len(resp.Missing) > 0 {
			fmt.Printf(" missing=%s", strings.Join(resp.Missing, ","))
		}
		fmt.Println()
	case "gate":
		var resp shopapi.GateRecordResponse
		postJSON(*url+"/v1/workflows/pipeline/records", shopapi.GateRecordRequest{EntityID: *entity, Kind: *gate}, &resp)
		if resp.Created {
			fmt.Println("gate record created")
		} else {
			fmt.Println("gate record already present")
		}
	default:
		fatalf("unknown workflow %q", kind)
	}
}

func runTransitions(args []string) {
	fs := flag.NewFlagSet("transitions", flag.ExitOnError)
	url := fs.String("url", serverURL(), "dispatcher URL")
	graph := fs.String("graph", "", "graph filter")
	entity := fs.String("entity", "", "entity filter")
	limit := fs.Int("limit", 20, "max entries")
	_ = fs.Parse(args)
	query := fmt.Sprintf("?limit=%d", *limit)
	if *graph != "" {
		query += "&graph=" + *graph
	}
	if *entity != "" {
		query += "&entityId=" + *entity
	}
	var resp shopapi.ListTransitionLogResponse
	getJSON(*url+"/v1/admin/transitions"+query, &resp)
	for _, e := range resp.Entries {
		line := fmt.Sprintf("%s %-16s %-12s %s -> %s %s", e.CreatedAt, e.Graph, e.EntityID, e.FromState, e.ToState, e.Result)
		if e.BlockReasonCode != "" {
			line += " reason=" + e.BlockReasonCode
		}
		fmt.Println(line)
	}
}

func serverURL() string {
	if v := strings.TrimSpace(os.Getenv("SHOPFLOOR_URL")); v != "" {
		return strings.TrimRight(v, "/")
	}
	return "http://localhost:8080"
}

func addAuth(req *http.Request) {
	if token := strings.TrimSpace(os.Getenv("SHOPFLOOR_TOKEN")); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func postJSON(url string, payload any, out any) {
	body, err := json.Marshal(payload)
	if err != nil {
		fatalf("encode request: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	addAuth(req)
	doJSON(req, out)
}

func getJSON(url string, out any) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		fatalf("build request: %v", err)
	}
	addAuth(req)
	doJSON(req, out)
}

func doJSON(req *http.Request, out any) {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fatalf("read response: %v", err)
	}
	if resp.StatusCode >= 400 {
		var e shopapi.ErrorResponse
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			if e.Reason != "" {
				fatalf("%s (%s)", e.Error, e.Reason)
			}
			fatalf("%s", e.Error)
		}
		fatalf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		fatalf("decode response: %v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
