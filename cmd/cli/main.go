package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"function-harness/internal/api"
	"function-harness/internal/app"
	"function-harness/internal/config"
	"function-harness/internal/engine"
	"function-harness/internal/entity"
	"function-harness/internal/handler"
	"function-harness/internal/harness"
	"function-harness/internal/objstore"
	"function-harness/internal/source"
)

var (
	serverURL  string
	apiKey     string
	configPath string
	verbose    bool

	timeout    string
	params     []string
	project    string
	engineName string
	image      string
	pkgName    string
	workflow   string
	stepArgs   []string
)

func main() {
	root := &cobra.Command{
		Use:   "harness",
		Short: "Run functions locally or through a function-harness server",
		PersistentPreRun: func(*cobra.Command, []string) {
			level := zerolog.WarnLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).Level(level)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("HARNESS_API_KEY"), "API key")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	runCmd := &cobra.Command{
		Use:   "run [run-file]",
		Short: "Execute a run file in this process",
		Args:  cobra.ExactArgs(1),
		RunE:  runLocal,
	}
	runCmd.Flags().StringVar(&configPath, "config", "", "Config file (defaults apply when empty)")
	runCmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Parameter override, key=value")
	root.AddCommand(runCmd)

	execCmd := &cobra.Command{
		Use:   "exec [run-file]",
		Short: "Execute a run file on the server",
		Args:  cobra.ExactArgs(1),
		RunE:  runExec,
	}
	execCmd.Flags().StringVar(&timeout, "timeout", "", "Execution timeout, e.g. 2m")
	execCmd.Flags().StringVar(&configPath, "config", "", "Config file with the object store for local zip sources")
	execCmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Parameter override, key=value")
	root.AddCommand(execCmd)

	submitCmd := &cobra.Command{
		Use:   "submit [command...]",
		Short: "Submit a package to an external engine on the server",
		RunE:  runSubmit,
	}
	addPackageFlags(submitCmd)
	root.AddCommand(submitCmd)

	pollCmd := &cobra.Command{
		Use:   "poll [command...]",
		Short: "Submit a package to an engine from here and wait for it to finish",
		RunE:  runPoll,
	}
	addPackageFlags(pollCmd)
	pollCmd.Flags().StringVar(&configPath, "config", "", "Config file (defaults apply when empty)")
	root.AddCommand(pollCmd)

	root.AddCommand(&cobra.Command{
		Use:   "watch [project] [kind] [id]",
		Short: "Stream status changes of a run",
		Args:  cobra.ExactArgs(3),
		RunE:  runWatch,
	})

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent executions",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&project, "project", "", "Only executions of this project")
	root.AddCommand(listCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addPackageFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&project, "project", "", "Project the run belongs to")
	cmd.Flags().StringVar(&engineName, "engine", "container", "Engine (pipeline, container)")
	cmd.Flags().StringVar(&image, "image", "", "Container image")
	cmd.Flags().StringVar(&pkgName, "name", "harness-run", "Package name")
	cmd.Flags().StringVar(&workflow, "workflow", "", "Workflow manifest file (pipeline engine)")
	cmd.Flags().StringArrayVar(&stepArgs, "arg", nil, "Argument passed after the command")
	_ = cmd.MarkFlagRequired("project")
}

// loadRunFile reads a YAML or JSON run file and applies -p overrides.
func loadRunFile(path string) (*harness.Request, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- user supplied run file
	if err != nil {
		return nil, fmt.Errorf("reading run file: %w", err)
	}
	var req harness.Request
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parsing run file: %w", err)
	}
	for _, p := range params {
		key, raw, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("parameter %q is not key=value", p)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		if req.Parameters == nil {
			req.Parameters = map[string]any{}
		}
		req.Parameters[key] = v
	}
	if req.Project == "" {
		return nil, errors.New("run file has no project")
	}
	return &req, nil
}

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	return cfg, cfg.Validate()
}

func runLocal(cmd *cobra.Command, args []string) error {
	req, err := loadRunFile(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	res, execErr := a.Executor.Execute(ctx, *req)
	if res != nil {
		printJSON(res)
	}
	return execErr
}

func runExec(cmd *cobra.Command, args []string) error {
	req, err := loadRunFile(args[0])
	if err != nil {
		return err
	}
	if req.Source, err = portable(cmd.Context(), req.Project, req.Source); err != nil {
		return err
	}
	payload := api.ExecutionRequest{Request: *req}
	if timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout: %w", err)
		}
		payload.Timeout = api.Duration{Duration: d}
	}

	var resp api.ExecutionResponse
	if err := call(http.MethodPost, "/executions", payload, &resp, 0); err != nil {
		return err
	}
	printJSON(resp)
	if resp.State != string(entity.StateCompleted) {
		return fmt.Errorf("execution %s ended in state %s", resp.ID, resp.State)
	}
	return nil
}

// portable makes a local source usable by the server: python files are
// inlined, zip archives are uploaded to the configured object store.
func portable(ctx context.Context, project string, spec source.SourceSpec) (source.SourceSpec, error) {
	if spec.Source == "" || !source.IsLocal(spec.Source) {
		return spec, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return spec, err
	}
	stores := objstore.NewRegistry()
	if cfg.ObjectStore.Remote() && strings.EqualFold(filepath.Ext(spec.Source), ".zip") {
		store, err := objstore.NewMinIO(ctx, cfg.ObjectStore.Config)
		if err != nil {
			return spec, err
		}
		stores.Register("s3", store)
	}
	target := source.Target{
		Project:  project,
		Function: handler.Parse(spec.Handler).Symbol,
		ID:       uuid.New().String(),
		Bucket:   cfg.ObjectStore.Bucket,
	}
	return source.Prepare(ctx, spec, target, stores)
}

func runSubmit(_ *cobra.Command, args []string) error {
	req := api.SubmitRequest{
		Project: project,
		Engine:  engineName,
		Name:    pkgName,
		Image:   image,
		Command: args,
		Args:    stepArgs,
	}
	if workflow != "" {
		data, err := os.ReadFile(workflow) // #nosec G304 -- user supplied manifest
		if err != nil {
			return fmt.Errorf("reading workflow: %w", err)
		}
		req.Workflow = string(data)
	}

	var resp api.SubmitResponse
	if err := call(http.MethodPost, "/submissions", req, &resp, 30*time.Second); err != nil {
		return err
	}
	printJSON(resp)
	return nil
}

func runPoll(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	var eng engine.Engine
	for _, e := range a.Engines(ctx) {
		if e.Name() == engineName {
			eng = e
		}
	}
	if eng == nil {
		return fmt.Errorf("engine %q is not configured or not reachable", engineName)
	}

	pkg := engine.Package{Name: pkgName, Image: image, Args: append(args, stepArgs...)}
	if workflow != "" {
		if pkg.Workflow, err = os.ReadFile(workflow); err != nil { // #nosec G304 -- user supplied manifest
			return fmt.Errorf("reading workflow: %w", err)
		}
	}

	p := a.Poller()
	p.Engine = eng
	p.Status = a.Client
	key := entity.RunKey(project, engineName+"+run", uuid.New().String())
	status, err := p.Run(ctx, pkg, project, key)
	if status != nil {
		printJSON(map[string]any{"run_key": key, "status": status})
	}
	if err != nil {
		return err
	}
	if status.State != entity.StateCompleted {
		return fmt.Errorf("run %s ended in state %s", key, status.State)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	path := fmt.Sprintf("/projects/%s/runs/%s/%s/events", args[0], args[1], args[2])
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, serverURL+path, nil)
	if err != nil {
		return err
	}
	setAuth(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %s: %s", resp.Status, bytes.TrimSpace(body))
	}

	scanner := bufio.NewScanner(resp.Body)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			fmt.Printf("%s\t%s\n", event, strings.TrimPrefix(line, "data: "))
			if event == "error" {
				return errors.New("server reported an error while watching")
			}
		}
	}
	return scanner.Err()
}

func runHealth(_ *cobra.Command, _ []string) error {
	resp, err := http.Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	json.NewDecoder(resp.Body).Decode(&result)
	printJSON(result)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server is %v", result["status"])
	}
	return nil
}

func runList(_ *cobra.Command, _ []string) error {
	path := "/executions"
	if project != "" {
		path += "?project=" + project
	}
	var result any
	if err := call(http.MethodGet, path, nil, &result, 10*time.Second); err != nil {
		return err
	}
	printJSON(result)
	return nil
}

// call sends in as JSON and decodes the reply into out. Error replies that
// still carry an execution response are decoded as well.
func call(method, path string, in, out any, clientTimeout time.Duration) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	setAuth(req)

	client := &http.Client{Timeout: clientTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr api.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Code != "" {
			return fmt.Errorf("%s: %s (request %s)", apiErr.Code, apiErr.Error, apiErr.RequestID)
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response (%s): %w", resp.Status, err)
	}
	return nil
}

func setAuth(req *http.Request) {
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
}

func printJSON(v any) {
	formatted, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(formatted))
}
