package main

import (
	"fmt"
	"os"

	"github.com/rendis/botflow/internal/diagram"
	"github.com/rendis/botflow/pkg/schema"
	"github.com/spf13/cobra"
)

type diagramFlags struct {
	definitionFile string
	runID          int64
	format         string
	outFile        string
}

func newDiagramCmd(opts *rootOptions) *cobra.Command {
	f := &diagramFlags{}
	cmd := &cobra.Command{
		Use:   "diagram [workflow-id]",
		Short: "Draw a workflow as a flowchart",
		Long: `Draw a template or a workflow definition file as a Mermaid flowchart, or
as a PNG or SVG image. With --run the steps are coloured by the outcome of
a recorded run; the workflow then defaults to the run's template.`,
		Example: `  botflow diagram ppc_campaign
  botflow diagram --run 12 --format svg --out run12.svg`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 && f.definitionFile != "" {
				return fmt.Errorf("give either a workflow id or --definition, not both")
			}
			if f.format != "mermaid" && f.format != diagram.FormatPNG && f.format != diagram.FormatSVG {
				return fmt.Errorf("invalid format %q", f.format)
			}
			if f.format != "mermaid" && f.outFile == "" {
				return fmt.Errorf("--out is required for %s output", f.format)
			}

			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			var overlay diagram.Overlay
			var runTemplate string
			if f.runID > 0 {
				if a.store == nil {
					return fmt.Errorf("run history is disabled")
				}
				run, err := a.store.GetRun(ctx, f.runID)
				if err != nil {
					return err
				}
				overlay = diagram.OverlayFromOutcomes(run.Steps)
				runTemplate = run.TemplateID
			}

			var wf *schema.Workflow
			switch {
			case f.definitionFile != "":
				def, err := readDefinitionFile(f.definitionFile)
				if err != nil {
					return err
				}
				if wf, err = a.registry.Create(ctx, def, "cli"); err != nil {
					return err
				}
			case len(args) == 1:
				if wf, _, err = a.registry.Resolve(args[0]); err != nil {
					return err
				}
			case runTemplate != "":
				if wf, _, err = a.registry.Resolve(runTemplate); err != nil {
					return err
				}
			default:
				return fmt.Errorf("a workflow id, --definition or a template --run is required")
			}

			model, err := diagram.Build(wf, overlay)
			if err != nil {
				return err
			}

			if f.format == "mermaid" {
				out := diagram.RenderMermaid(model)
				if f.outFile == "" {
					_, err = fmt.Fprint(cmd.OutOrStdout(), out)
					return err
				}
				return os.WriteFile(f.outFile, []byte(out), 0o644)
			}
			img, err := diagram.RenderImage(ctx, model, f.format)
			if err != nil {
				return err
			}
			return os.WriteFile(f.outFile, img, 0o644)
		},
	}
	cmd.Flags().StringVar(&f.definitionFile, "definition", "", "YAML workflow definition to draw")
	cmd.Flags().Int64Var(&f.runID, "run", 0, "colour steps by this recorded run")
	cmd.Flags().StringVarP(&f.format, "format", "f", "mermaid", "output format: mermaid, png or svg")
	cmd.Flags().StringVar(&f.outFile, "out", "", "write to this file instead of stdout")
	return cmd
}
