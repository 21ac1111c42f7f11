package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"

	"github.com/rendis/botflow/internal/engine"
	"github.com/rendis/botflow/internal/store"
	"github.com/rendis/botflow/internal/streaming"
	"github.com/rendis/botflow/pkg/schema"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configFile string
	logLevel   string
	simulate   bool
	noHistory  bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "botflow",
		Short: "Run multi-step bot workflows",
		Long: `botflow runs named sequences of bot actions with parameter templating,
conditional steps and retries. It ships template packs for the assistant,
commerce and notion bots and exposes everything over MCP with "botflow serve".`,
		SilenceUsage: true,
		Version:      version,
	}
	root.SetVersionTemplate(`{{printf "botflow version %s\n" .Version}}`)

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configFile, "config", "", "config file (default is $HOME/.botflow/settings.yaml)")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.BoolVar(&opts.simulate, "simulate", false, "answer template bot actions with simulated results")
	pf.BoolVar(&opts.noHistory, "no-history", false, "do not record runs in the history store")

	root.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newListCmd(opts),
		newTemplatesCmd(opts),
		newHistoryCmd(opts),
		newActionsCmd(opts),
		newPluginsCmd(opts),
		newDiagramCmd(opts),
		newVersionCmd(),
	)
	return root
}

// open loads configuration, applies flag overrides and wires the app.
// Logs go to stderr so stdout stays clean for results and the MCP transport.
func (o *rootOptions) open(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(o.configFile)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.simulate {
		cfg.Simulate = true
	}
	if o.noHistory {
		cfg.History.Enabled = false
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return newApp(cmd.Context(), cfg, cmd.ErrOrStderr())
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var sseAddr, baseURL string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the workflow tools over MCP",
		Long: `Serve the workflow tools over MCP on stdio, or over HTTP with server-sent
events when --sse is given.`,
		Example: `  botflow serve
  botflow serve --sse 127.0.0.1:8765`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			a.logger.Info("mcp server starting",
				"templates", len(a.library.IDs()),
				"actions", a.actions.Count(),
				"plugins", len(a.plugins.Names()),
				"history", a.store != nil)

			srv := a.mcpServer()
			if sseAddr == "" {
				return srv.Serve(ctx)
			}
			if baseURL == "" {
				baseURL = "http://" + sseAddr
			}
			if err := srv.ServeSSE(ctx, sseAddr, baseURL); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sseAddr, "sse", "", "listen address for the SSE transport instead of stdio")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "public base URL for SSE clients (default http://<sse addr>)")
	return cmd
}

type runFlags struct {
	contextFile    string
	definitionFile string
	owner          string
	output         string
	watch          bool
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [workflow-id]",
		Short: "Run a template or a workflow definition file",
		Long: `Run a template by id or short key, or a custom workflow read from a
YAML definition file. The initial context may be given as a YAML or JSON file.`,
		Example: `  botflow run ppc_campaign --context acos.yaml --simulate
  botflow run --definition cleanup.yaml --owner U0123456`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && f.definitionFile == "" {
				return fmt.Errorf("a workflow id or --definition is required")
			}
			if len(args) == 1 && f.definitionFile != "" {
				return fmt.Errorf("give either a workflow id or --definition, not both")
			}
			if f.output != "text" && f.output != "json" {
				return fmt.Errorf("invalid output format %q", f.output)
			}

			ctx, stop := signalContext(cmd)
			defer stop()

			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			initial, err := readContextFile(f.contextFile)
			if err != nil {
				return err
			}

			var workflowID string
			if f.definitionFile != "" {
				def, err := readDefinitionFile(f.definitionFile)
				if err != nil {
					return err
				}
				owner := f.owner
				if owner == "" {
					owner = "cli"
				}
				wf, err := a.registry.Create(ctx, def, owner)
				if err != nil {
					return err
				}
				workflowID = wf.ID
			} else {
				workflowID = args[0]
			}

			var runOpts []engine.RunOption
			if f.owner != "" {
				runOpts = append(runOpts, engine.WithOwner(f.owner))
			}
			stopWatch := func() {}
			if f.watch {
				if stopWatch, err = watchEvents(ctx, a.events, cmd.ErrOrStderr()); err != nil {
					return err
				}
			}
			res, err := a.engine.Execute(ctx, workflowID, initial, a.actions, runOpts...)
			stopWatch()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if f.output == "json" {
				if err := writeJSON(out, res); err != nil {
					return err
				}
			} else {
				renderResult(out, res)
			}
			if res.Status != schema.WorkflowStatusCompleted {
				return fmt.Errorf("workflow %s finished with status %s", res.WorkflowID, res.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&f.contextFile, "context", "", "YAML or JSON file with the initial context")
	cmd.Flags().StringVar(&f.definitionFile, "definition", "", "YAML workflow definition to register and run")
	cmd.Flags().StringVar(&f.owner, "owner", "", "user the run is attributed to")
	cmd.Flags().StringVarP(&f.output, "output", "o", "text", "output format: text or json")
	cmd.Flags().BoolVarP(&f.watch, "watch", "w", false, "print step events to stderr while the run progresses")
	return cmd
}

// watchEvents prints hub events to w until the returned stop func is called.
// stop waits for the printer to drain.
func watchEvents(ctx context.Context, hub *streaming.MemoryHub, w io.Writer) (func(), error) {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			renderEvent(w, ev)
		}
	}()
	return func() {
		cancel()
		<-done
	}, nil
}

func readContextFile(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read context file: %w", err)
	}
	var ctx map[string]any
	if err := yaml.Unmarshal(data, &ctx); err != nil {
		return nil, fmt.Errorf("parse context file %s: %w", path, err)
	}
	return ctx, nil
}

func readDefinitionFile(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition file: %w", err)
	}
	var def schema.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse definition file %s: %w", path, err)
	}
	return &def, nil
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates and custom workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			entries := a.registry.ListWorkflows(owner)
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{e.ID, e.Type, string(e.Status), strconv.Itoa(e.Steps), e.Name})
			}
			renderTable(cmd.OutOrStdout(), []string{"ID", "TYPE", "STATUS", "STEPS", "NAME"}, rows, 2)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "only list custom workflows created by this user")
	return cmd
}

func newTemplatesCmd(opts *rootOptions) *cobra.Command {
	var pack string
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List the built-in workflow templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			var rows [][]string
			for _, wf := range a.library.All() {
				p := a.library.Pack(wf.ID)
				if pack != "" && p != pack {
					continue
				}
				rows = append(rows, []string{a.library.Key(wf.ID), p, strconv.Itoa(len(wf.Steps)), wf.Name})
			}
			renderTable(cmd.OutOrStdout(), []string{"KEY", "PACK", "STEPS", "NAME"}, rows, -1)
			return nil
		},
	}
	cmd.Flags().StringVar(&pack, "pack", "", "only list templates from this pack")
	return cmd
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		workflowID string
		templateID string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.store == nil {
				return fmt.Errorf("run history is disabled")
			}

			runs, err := a.store.ListRuns(cmd.Context(), store.RunFilter{
				WorkflowID: workflowID,
				TemplateID: templateID,
				Limit:      limit,
			})
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				rows = append(rows, []string{
					strconv.FormatInt(r.ID, 10), r.WorkflowID, string(r.Status), r.Owner,
					r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Duration().String(),
				})
			}
			renderTable(cmd.OutOrStdout(), []string{"RUN", "WORKFLOW", "STATUS", "OWNER", "STARTED", "DURATION"}, rows, 2)
			return nil
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow", "", "only runs of this workflow id")
	cmd.Flags().StringVar(&templateID, "template", "", "only runs instantiated from this template id")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to show")
	return cmd
}

func newActionsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "actions",
		Short: "List the actions workflow steps can call",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			loaded := a.plugins.Names()
			var rows [][]string
			for _, info := range a.actions.List() {
				kind := "builtin"
				if info.Simulated {
					kind = "simulated"
				} else if ns, _, ok := strings.Cut(info.Name, "."); ok && slices.Contains(loaded, ns) {
					kind = "plugin"
				}
				rows = append(rows, []string{info.Name, kind, info.Description})
			}
			renderTable(cmd.OutOrStdout(), []string{"ACTION", "KIND", "DESCRIPTION"}, rows, -1)
			return nil
		},
	}
}

func newPluginsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "Show configured bot plugins and whether they respond",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			health := a.plugins.Health(cmd.Context())
			var rows [][]string
			for _, pc := range a.cfg.Plugins {
				state, ok := health[pc.Name]
				if !ok {
					state = "not loaded"
				}
				rows = append(rows, []string{pc.Name, pc.Command, state})
			}
			renderTable(cmd.OutOrStdout(), []string{"PLUGIN", "COMMAND", "STATE"}, rows, -1)
			return nil
		},
	}
}
