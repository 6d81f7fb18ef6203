// Command coordctl is a command-line client for the Coordination Core's
// HTTP surface (internal/api). Generalizes the teacher's cmd/dbctl, which
// spoke directly to the sqlite store for a handful of agent-heartbeat
// actions, into an HTTP client exercising the full project lifecycle
// through the facade the daemon actually exposes, the same surface any
// other caller of the Coordination Core uses.
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
	"time"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "Coordination Core HTTP address")
	action := flag.String("action", "", "Action: create, get, execute, pause, resume, tasks, task, costs, health")
	project := flag.String("project", "", "Project id")
	task := flag.String("task", "", "Task id")
	name := flag.String("name", "", "Project name (create)")
	requirements := flag.String("requirements", "", "Comma-separated requirements (create)")
	storyPoints := flag.Int("story-points", 0, "Story points (create)")
	budgetDaily := flag.Float64("budget-daily", 0, "Daily budget in dollars (create)")
	budgetMonthly := flag.Float64("budget-monthly", 0, "Monthly budget in dollars (create)")
	timeout := flag.Duration("timeout", 10*time.Second, "Request timeout")
	flag.Parse()

	if *action == "" {
		fmt.Fprintln(os.Stderr, "usage: coordctl -action <create|get|execute|pause|resume|tasks|task|costs|health> [flags]")
		os.Exit(1)
	}

	c := &client{base: strings.TrimRight(*addr, "/"), http: &http.Client{Timeout: *timeout}}

	var (
		out interface{}
		err error
	)

	switch *action {
	case "create":
		if *name == "" {
			fmt.Fprintln(os.Stderr, "create requires -name")
			os.Exit(1)
		}
		var reqs []string
		if *requirements != "" {
			reqs = strings.Split(*requirements, ",")
		}
		out, err = c.do(http.MethodPost, "/projects", createProjectRequest{
			Name:          *name,
			Requirements:  reqs,
			StoryPoints:   *storyPoints,
			BudgetDaily:   *budgetDaily,
			BudgetMonthly: *budgetMonthly,
		})

	case "get":
		out, err = c.requireProject(*project, http.MethodGet, "/projects/%s")

	case "execute":
		out, err = c.requireProject(*project, http.MethodPost, "/projects/%s/execute")

	case "pause":
		out, err = c.requireProject(*project, http.MethodPost, "/projects/%s/pause")

	case "resume":
		out, err = c.requireProject(*project, http.MethodPost, "/projects/%s/resume")

	case "tasks":
		out, err = c.requireProject(*project, http.MethodGet, "/projects/%s/tasks")

	case "task":
		if *task == "" {
			fmt.Fprintln(os.Stderr, "task requires -task")
			os.Exit(1)
		}
		out, err = c.do(http.MethodGet, fmt.Sprintf("/tasks/%s", *task), nil)

	case "costs":
		out, err = c.requireProject(*project, http.MethodGet, "/projects/%s/costs")

	case "health":
		out, err = c.do(http.MethodGet, "/health", nil)

	default:
		fmt.Fprintf(os.Stderr, "unknown action %q\n", *action)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "coordctl: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}

// createProjectRequest mirrors internal/api's request body so the CLI and
// the server agree on field names without importing the api package (this
// binary only ever talks to the Coordination Core over HTTP).
type createProjectRequest struct {
	Name          string   `json:"name"`
	Requirements  []string `json:"requirements"`
	StoryPoints   int      `json:"storyPoints"`
	BudgetDaily   float64  `json:"budgetDaily"`
	BudgetMonthly float64  `json:"budgetMonthly"`
}

type client struct {
	base string
	http *http.Client
}

func (c *client) requireProject(project, method, pathTemplate string) (interface{}, error) {
	if project == "" {
		return nil, fmt.Errorf("this action requires -project")
	}
	return c.do(method, fmt.Sprintf(pathTemplate, project), nil)
}

func (c *client) do(method, path string, body interface{}) (interface{}, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var out interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return out, fmt.Errorf("coordination core returned %s", resp.Status)
	}
	return out, nil
}
