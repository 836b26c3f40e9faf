package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/h1v3-io/relay/internal/config"
	"github.com/h1v3-io/relay/internal/connector"
	"github.com/h1v3-io/relay/pkg/protocol"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "health":
		cmdHealth()
	case "steps":
		cmdSteps()
	case "jobs":
		cmdJobs(args)
	case "create":
		cmdCreate(args)
	case "list":
		cmdList(args)
	case "show":
		need(args, 1, "show <pipeline>")
		cmdShow(args[0])
	case "start", "pause", "resume":
		need(args, 1, os.Args[1]+" <pipeline>")
		cmdControl(os.Args[1], args[0])
	case "restart":
		need(args, 2, "restart <pipeline> <step>")
		cmdRestart(args[0], args[1])
	case "feedback":
		need(args, 3, "feedback <pipeline> <step> <text>")
		cmdFeedback(args[0], args[1], strings.Join(args[2:], " "))
	case "answer":
		need(args, 3, "answer <pipeline> <request> <option|text>")
		cmdAnswer(args[0], args[1], strings.Join(args[2:], " "))
	case "checkpoints":
		cmdCheckpoints(args)
	case "history":
		need(args, 2, "history <pipeline> <step>")
		cmdHistory(args[0], args[1])
	case "logs":
		cmdLogs(args)
	case "watch":
		need(args, 1, "watch <pipeline>")
		cmdWatch(args[0])
	case "config":
		if len(args) < 2 || args[0] != "validate" {
			fatalf("usage: relayctl config validate <path>")
		}
		cmdConfigValidate(args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// --- API client commands ---

func cmdHealth() {
	fmt.Println(string(must(apiDo("GET", "/api/health", nil))))
}

func cmdSteps() {
	var defs []protocol.StepDefinition
	decode(must(apiDo("GET", "/api/steps", nil)), &defs)
	for i, d := range defs {
		fmt.Printf("%d  %-10s %s\n", i, d.Kind, d.Name)
	}
}

func cmdJobs(args []string) {
	if len(args) > 0 && args[0] == "run" {
		need(args, 2, "jobs run <name>")
		must(apiDo("POST", "/api/jobs/"+args[1]+"/run", nil))
		fmt.Printf("job %s finished\n", args[1])
		return
	}
	var jobs []struct {
		Name     string    `json:"name"`
		Schedule string    `json:"schedule"`
		Next     time.Time `json:"next"`
	}
	decode(must(apiDo("GET", "/api/jobs", nil)), &jobs)
	for _, j := range jobs {
		fmt.Printf("%-14s %-14s next %s\n", j.Name, j.Schedule, j.Next.Local().Format(time.RFC3339))
	}
}

func cmdCreate(args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	repo := fs.String("repo", "", "Repository path")
	start := fs.Bool("start", false, "Start the pipeline right away")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fatalf("usage: relayctl create [-repo path] [-start] <ticket>")
	}

	body := map[string]any{"ticket_ref": fs.Arg(0), "repo": *repo, "start": *start}
	var p protocol.Pipeline
	decode(must(apiDo("POST", "/api/pipelines", body)), &p)
	fmt.Println(connector.FormatPipeline(&p))
}

func cmdList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	status := fs.String("status", "", "Filter by status")
	ticket := fs.String("ticket", "", "Filter by ticket ref")
	limit := fs.Int("limit", 50, "Max results")
	retired := fs.Bool("retired", false, "Include retired pipelines")
	fs.Parse(args)

	q := url.Values{}
	q.Set("limit", fmt.Sprint(*limit))
	if *status != "" {
		q.Set("status", *status)
	}
	if *ticket != "" {
		q.Set("ticket", *ticket)
	}
	if *retired {
		q.Set("retired", "true")
	}

	var ps []protocol.Pipeline
	decode(must(apiDo("GET", "/api/pipelines?"+q.Encode(), nil)), &ps)
	for _, p := range ps {
		fmt.Printf("%-36s %-15s %d/%d  %s\n", p.ID, p.Status, p.CurrentStep+1, protocol.StepCount, p.TicketRef)
	}
}

func cmdShow(id string) {
	var p protocol.Pipeline
	decode(must(apiDo("GET", "/api/pipelines/"+id, nil)), &p)
	fmt.Println(connector.FormatPipeline(&p))
}

func cmdControl(op, id string) {
	var p protocol.Pipeline
	decode(must(apiDo("POST", "/api/pipelines/"+id+"/"+op, nil)), &p)
	fmt.Println(connector.FormatPipeline(&p))
}

func cmdRestart(id, stepArg string) {
	step := parseStep(stepArg)
	var p protocol.Pipeline
	decode(must(apiDo("POST", fmt.Sprintf("/api/pipelines/%s/steps/%d/restart", id, step), nil)), &p)
	fmt.Println(connector.FormatPipeline(&p))
}

func cmdFeedback(id, stepArg, text string) {
	step := parseStep(stepArg)
	var fb protocol.Feedback
	decode(must(apiDo("POST", fmt.Sprintf("/api/pipelines/%s/steps/%d/feedback", id, step), map[string]string{"payload": text})), &fb)
	fmt.Printf("feedback %s recorded for step %d\n", fb.ID, fb.StepIndex)
}

func cmdAnswer(id, requestID, text string) {
	ans := connector.ParseAnswer(text)
	var req protocol.ClarificationRequest
	decode(must(apiDo("POST", fmt.Sprintf("/api/pipelines/%s/clarifications/%s/answer", id, requestID), ans)), &req)
	fmt.Printf("answered: %s\n", req.Answer())
}

func cmdCheckpoints(args []string) {
	fs := flag.NewFlagSet("checkpoints", flag.ExitOnError)
	attempt := fs.Int("attempt", 0, "Attempt number (0 = current)")
	fs.Parse(args)
	if fs.NArg() < 2 {
		fatalf("usage: relayctl checkpoints [-attempt n] <pipeline> <step>")
	}
	step := parseStep(fs.Arg(1))

	var cps []protocol.Checkpoint
	path := fmt.Sprintf("/api/pipelines/%s/steps/%d/checkpoints?attempt=%d", fs.Arg(0), step, *attempt)
	decode(must(apiDo("GET", path, nil)), &cps)
	for _, cp := range cps {
		switch cp.Kind {
		case protocol.CheckpointToolCall:
			fmt.Printf("[%d] tool %s\n", cp.Offset, cp.ToolCall.Name)
		default:
			fmt.Printf("[%d] %s\n", cp.Offset, cp.Text)
		}
	}
}

func cmdHistory(id, stepArg string) {
	step := parseStep(stepArg)
	var hist []protocol.StepHistory
	decode(must(apiDo("GET", fmt.Sprintf("/api/pipelines/%s/steps/%d/history", id, step), nil)), &hist)
	for _, h := range hist {
		fmt.Printf("attempt %d (%s, %s)\n%s\n\n", h.Attempt, h.Reason, h.ArchivedAt.Local().Format(time.RFC3339), h.Output)
	}
}

func cmdLogs(args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	pipeline := fs.String("pipeline", "", "Only entries for this pipeline")
	level := fs.String("level", "", "Minimum level")
	limit := fs.Int("limit", 100, "Max entries")
	fs.Parse(args)

	q := url.Values{}
	q.Set("limit", fmt.Sprint(*limit))
	if *pipeline != "" {
		q.Set("pipeline", *pipeline)
	}
	if *level != "" {
		q.Set("level", *level)
	}

	var entries []struct {
		Time    time.Time `json:"time"`
		Level   string    `json:"level"`
		Message string    `json:"message"`
	}
	decode(must(apiDo("GET", "/api/logs?"+q.Encode(), nil)), &entries)
	for _, e := range entries {
		fmt.Printf("%s %-5s %s\n", e.Time.Local().Format("15:04:05"), e.Level, e.Message)
	}
}

// cmdWatch follows a pipeline's event stream until it reaches a terminal
// status or the connection drops.
func cmdWatch(id string) {
	u, err := url.Parse(envOr("RELAY_API_URL", "http://localhost:8080"))
	if err != nil {
		fatalf("error: %v", err)
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/api/pipelines/" + id + "/stream"

	header := http.Header{}
	if key := os.Getenv("RELAY_API_KEY"); key != "" {
		header.Set("Authorization", "Bearer "+key)
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		fatalf("error: %v", err)
	}
	defer conn.Close()

	for {
		var ev struct {
			protocol.Event
			Payload json.RawMessage `json:"payload"`
		}
		if err := conn.ReadJSON(&ev); err != nil {
			fmt.Fprintf(os.Stderr, "stream closed: %v\n", err)
			return
		}
		if ev.Kind == protocol.EventSnapshot {
			var p protocol.Pipeline
			json.Unmarshal(ev.Payload, &p)
			fmt.Println(connector.FormatPipeline(&p))
			if p.Status.Terminal() {
				return
			}
			continue
		}
		fmt.Printf("%s step=%d %s %s\n", ev.Timestamp.Local().Format("15:04:05"), ev.StepIndex, ev.Kind, summarize(ev.Payload))
		if ev.Kind == protocol.EventPipelineCompleted || ev.Kind == protocol.EventPipelineFailed {
			return
		}
	}
}

func cmdConfigValidate(path string) {
	cfg, err := config.Load(path)
	if err != nil {
		fatalf("invalid: %v", err)
	}
	if cfg.Relay.StepsFile != "" {
		if _, err := config.LoadSteps(cfg.Relay.StepsFile, protocol.DefaultSteps()); err != nil {
			fatalf("invalid steps: %v", err)
		}
	}
	fmt.Println("config is valid")
}

// --- Helpers ---

func apiDo(method, path string, payload any) ([]byte, error) {
	base := envOr("RELAY_API_URL", "http://localhost:8080")

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, base+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := os.Getenv("RELAY_API_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, e.Error)
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}

// summarize renders an event payload on one line.
func summarize(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return string(raw)
	}
	if text, ok := m["text"].(string); ok {
		return strings.ReplaceAll(text, "\n", " ")
	}
	if msg, ok := m["message"].(string); ok {
		return msg
	}
	var compact bytes.Buffer
	json.Compact(&compact, raw)
	return compact.String()
}

func parseStep(s string) int {
	step, err := connector.ParseStep(s)
	if err != nil {
		fatalf("error: %v", err)
	}
	return step
}

func must(data []byte, err error) []byte {
	if err != nil {
		fatalf("error: %v", err)
	}
	return data
}

func decode(data []byte, v any) {
	if err := json.Unmarshal(data, v); err != nil {
		fatalf("error: decode response: %v", err)
	}
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fatalf("usage: relayctl %s", usage)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printUsage() {
	fmt.Println("relayctl - pipeline control CLI")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  health                          Check daemon health")
	fmt.Println("  steps                           List step definitions")
	fmt.Println("  jobs                            List scheduled maintenance jobs")
	fmt.Println("  jobs run <name>                 Run a maintenance job now")
	fmt.Println("  create <ticket>                 Create a pipeline (-repo, -start)")
	fmt.Println("  list                            List pipelines (-status, -ticket, -limit, -retired)")
	fmt.Println("  show <id>                       Show pipeline details")
	fmt.Println("  start|pause|resume <id>         Control a pipeline")
	fmt.Println("  restart <id> <step>             Restart a step and everything after it")
	fmt.Println("  feedback <id> <step> <text>     Send feedback to a step")
	fmt.Println("  answer <id> <request> <answer>  Answer a clarification (option number or text)")
	fmt.Println("  checkpoints <id> <step>         Show a step attempt's checkpoints (-attempt)")
	fmt.Println("  history <id> <step>             Show archived outputs of a step")
	fmt.Println("  logs                            Show recent daemon logs (-pipeline, -level, -limit)")
	fmt.Println("  watch <id>                      Follow a pipeline's events")
	fmt.Println("  config validate <path>          Validate config file")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  RELAY_API_URL  Daemon URL (default: http://localhost:8080)")
	fmt.Println("  RELAY_API_KEY  API key for authentication")
}
