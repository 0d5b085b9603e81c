package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/intentlab/intent/internal/artifact"
	"github.com/intentlab/intent/internal/attribution"
	"github.com/intentlab/intent/internal/config"
	"github.com/intentlab/intent/internal/inference"
	"github.com/intentlab/intent/internal/model"
	"github.com/intentlab/intent/internal/schema"
	"github.com/intentlab/intent/internal/whatif"
)

// sessionFlags select a model and describe one session.
type sessionFlags struct {
	modelID  string
	strategy string
	input    string
	set      map[string]string
}

func (f *sessionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.modelID, "model", "", "Model id")
	cmd.Flags().StringVar(&f.strategy, "strategy", "", "Selection strategy (roc_auc, pr_auc)")
	cmd.Flags().StringVarP(&f.input, "input", "i", "", "Session JSON file, - for stdin")
	cmd.Flags().StringToStringVar(&f.set, "set", nil, "Session field, as name=value (repeatable)")
}

func (f *sessionFlags) session(stdin io.Reader) (schema.RawInput, error) {
	in := schema.RawInput{}
	if f.input != "" {
		var err error
		if in, err = readJSONInput(f.input, stdin); err != nil {
			return nil, err
		}
	}
	for k, v := range f.set {
		in[k] = v
	}
	if len(in) == 0 {
		return nil, fmt.Errorf("no session given: use --input or --set")
	}
	return in, nil
}

// readJSONInput decodes a JSON object, keeping numbers as json.Number.
func readJSONInput(path string, stdin io.Reader) (schema.RawInput, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var in schema.RawInput
	if err := dec.Decode(&in); err != nil {
		return nil, fmt.Errorf("failed to parse session %s: %w", path, err)
	}
	if in == nil {
		in = schema.RawInput{}
	}
	return in, nil
}

// pickModel resolves id or strategy, then the configured default strategy,
// then the active model.
func pickModel(reg *artifact.Registry, cfg *config.Config, id, strategy string) (*model.Handle, error) {
	if id == "" && strategy == "" && cfg.Artifacts.DefaultStrategy != "" {
		if h, err := reg.Strategy(cfg.Artifacts.DefaultStrategy); err == nil {
			return h, nil
		}
	}
	return reg.Resolve(id, strategy)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// offline bundles what the single-session commands need.
type offline struct {
	cfg    *config.Config
	reg    *artifact.Registry
	handle *model.Handle
	engine *inference.Engine
}

func (o *offline) Close() error { return o.reg.Close() }

func openOffline(f *sessionFlags) (*offline, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger()
	reg, err := loadRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}
	h, err := pickModel(reg, cfg, f.modelID, f.strategy)
	if err != nil {
		reg.Close()
		return nil, err
	}
	return &offline{
		cfg:    cfg,
		reg:    reg,
		handle: h,
		engine: inference.New(inference.WithLogger(logger), inference.WithWorkers(cfg.Inference.Workers)),
	}, nil
}

func predictCmd() *cobra.Command {
	var f sessionFlags

	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Score one session",
		Example: `  intent predict --set PageValues=23.5 --set Month=Nov ...
  intent predict -i session.json --strategy pr_auc`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := f.session(cmd.InOrStdin())
			if err != nil {
				return err
			}
			o, err := openOffline(&f)
			if err != nil {
				return err
			}
			defer o.Close()
			pred, err := o.engine.PredictOne(context.Background(), in, o.handle)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"prediction": pred,
				"band":       o.cfg.Risk.BandFor(pred.Probability),
			})
		},
	}

	f.register(cmd)
	return cmd
}

// attributionFlags override the configured attribution settings.
type attributionFlags struct {
	method     string
	seed       int64
	background int
}

func (a *attributionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&a.method, "method", "", "Attribution method (shapley, permutation)")
	cmd.Flags().Int64Var(&a.seed, "seed", 0, "Background sampling seed (0 keeps the configured seed)")
	cmd.Flags().IntVar(&a.background, "background", 0, "Background rows (0 keeps the configured size)")
}

func (a *attributionFlags) apply(cfg attribution.Config) attribution.Config {
	if a.method != "" {
		cfg.Method = attribution.Method(a.method)
	}
	if a.seed != 0 {
		cfg.Seed = a.seed
	}
	if a.background > 0 {
		cfg.BackgroundSize = a.background
	}
	return cfg
}

func explainCmd() *cobra.Command {
	var (
		f sessionFlags
		a attributionFlags
	)

	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Score one session and attribute the probability to its features",
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := f.session(cmd.InOrStdin())
			if err != nil {
				return err
			}
			o, err := openOffline(&f)
			if err != nil {
				return err
			}
			defer o.Close()
			ctx := context.Background()
			pred, err := o.engine.PredictOne(ctx, in, o.handle)
			if err != nil {
				return err
			}
			attr, err := attribution.New(attribution.WithLogger(newLogger())).
				Explain(ctx, pred, o.handle, a.apply(o.cfg.Attribution.Config))
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"prediction":  pred,
				"attribution": attr,
			})
		},
	}

	f.register(cmd)
	a.register(cmd)
	return cmd
}

func whatifCmd() *cobra.Command {
	var (
		f         sessionFlags
		a         attributionFlags
		overrides map[string]string
	)

	cmd := &cobra.Command{
		Use:     "whatif",
		Short:   "Compare a session with an edited copy",
		Example: `  intent whatif -i session.json --override PageValues=0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(overrides) == 0 {
				return fmt.Errorf("at least one --override is required")
			}
			base, err := f.session(cmd.InOrStdin())
			if err != nil {
				return err
			}
			o, err := openOffline(&f)
			if err != nil {
				return err
			}
			defer o.Close()
			ov := make(schema.RawInput, len(overrides))
			for k, v := range overrides {
				ov[k] = v
			}
			sim := whatif.New(o.engine, attribution.New(attribution.WithLogger(newLogger())))
			delta, err := sim.Simulate(context.Background(), base, ov, o.handle, a.apply(o.cfg.Attribution.Config))
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), delta)
		},
	}

	f.register(cmd)
	a.register(cmd)
	cmd.Flags().StringToStringVar(&overrides, "override", nil, "Field to change, as name=value (repeatable)")
	return cmd
}

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the model bundles under the artifacts directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reg, err := loadRegistry(cfg, newLogger())
			if err != nil {
				return err
			}
			defer reg.Close()
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"models":     reg.List(),
				"strategies": reg.Strategies(),
			})
		},
	}
}
