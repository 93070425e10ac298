package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dshills/pipeflow/flow"
	"github.com/dshills/pipeflow/flow/store"
	"github.com/dshills/pipeflow/internal/config"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "pipeflow",
		Short:         "Run declarative document pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./pipeflow.yaml)")

	loadCfg := func() (*config.Config, error) {
		return config.Load(configPath)
	}
	root.AddCommand(
		newBlocksCmd(loadCfg),
		newValidateCmd(loadCfg),
		newRunCmd(loadCfg),
	)
	return root
}

func newBlocksCmd(loadCfg func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "blocks",
		Short: "List registered blocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			_, reg, err := loadRegistry(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tKIND\tSOURCE")
			for _, name := range reg.Names() {
				def, err := reg.Lookup(name)
				if err != nil {
					return err
				}
				src := def.Source
				if src == "" {
					src = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", def.Name, def.Kind, src)
			}
			return tw.Flush()
		},
	}
}

func newValidateCmd(loadCfg func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load block sources and check imports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			_, reg, err := loadRegistry(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if err := reg.Check(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d blocks\n", len(reg.Names()))
			return nil
		},
	}
}

type runFlags struct {
	pipelineID string
	workspace  string
	user       string
	args       string
	payload    string
	transition string
	workflow   string
}

func newRunCmd(loadCfg func() (*config.Config, error)) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run [block]",
		Short: "Process a pipeline",
		Long: `Process a pipeline once and print its result.

With a block name a new pipeline record is created for it. With --pipeline
an existing record is processed again, which is only meaningful with a
persistent store.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) == (f.pipelineID == "") {
				return errors.New("give either a block name or --pipeline")
			}
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			blockName := ""
			if len(args) == 1 {
				blockName = args[0]
			}
			return a.run(cmd.Context(), cmd.OutOrStdout(), blockName, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.pipelineID, "pipeline", "", "id of a stored pipeline to process")
	fl.StringVar(&f.workspace, "workspace", "default", "workspace of a new pipeline")
	fl.StringVar(&f.user, "user", "", "user the run is attributed to")
	fl.StringVar(&f.args, "args", "", "pipeline arguments as a JSON object")
	fl.StringVar(&f.payload, "payload", "", "payload data as a JSON object")
	fl.StringVar(&f.transition, "transition", "", "transition to deliver")
	fl.StringVar(&f.workflow, "workflow", "", "workflow id the transition is delivered to")
	return cmd
}

func (a *app) run(ctx context.Context, out io.Writer, blockName string, f runFlags) error {
	args, err := decodeObject("args", f.args)
	if err != nil {
		return err
	}
	data, err := decodeObject("payload", f.payload)
	if err != nil {
		return err
	}

	payload := flow.Payload{Data: data}
	if f.transition != "" {
		if f.workflow == "" {
			return errors.New("--transition requires --workflow")
		}
		payload.Transition = &flow.PendingTransition{ID: f.transition, WorkflowID: f.workflow}
	}

	id := f.pipelineID
	if id == "" {
		p := &store.Pipeline{
			ID:          store.NewID(),
			WorkspaceID: f.workspace,
			Block:       blockName,
			Args:        args,
		}
		if err := a.store.SavePipeline(ctx, p); err != nil {
			return fmt.Errorf("failed to save pipeline: %w", err)
		}
		id = p.ID
	} else if args != nil {
		p, err := a.store.GetPipeline(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load pipeline: %w", err)
		}
		p.Args = args
		if err := a.store.SavePipeline(ctx, p); err != nil {
			return fmt.Errorf("failed to save pipeline: %w", err)
		}
	}

	state, err := a.engine.ProcessPipeline(ctx, id, f.user, payload)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{
		"pipelineId": id,
		"state":      state,
	})
}

func decodeObject(flag, raw string) (map[string]interface{}, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("--%s: %w", flag, err)
	}
	return m, nil
}
