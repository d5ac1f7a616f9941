package compiler

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/itohio/tensorgraph/pkg/core/compiler/backendpass"
	"github.com/itohio/tensorgraph/pkg/core/graph"
	"github.com/itohio/tensorgraph/pkg/logger"
)

// GenericPasses returns the backend-agnostic rewrite passes of §4.F, in
// the order the original engine this system was distilled from applies
// them: CSE and DCE first (so later passes see the smallest graph),
// contiguous-elision and view-absorption next (they only ever shrink the
// graph further), unary-chain fusion last.
func GenericPasses() []Pass {
	return []Pass{
		CommonSubexpressionElimination,
		DeadCodeElimination,
		ContiguousElision,
		ViewAbsorption,
		UnaryChainFusion,
	}
}

// BackendPasses returns the kernel-synthesis passes of §4.G for the
// reference CPU backend. §9's open question ("forbid mixing backends")
// means a caller wanting a different hardware target supplies its own
// pass list instead of appending to this one.
func BackendPasses() []Pass {
	return []Pass{
		backendpass.FuseMatMul,
		backendpass.FuseAttention,
		backendpass.FuseReduction,
		backendpass.FuseElementwise,
	}
}

// CompileOptions configures the optimizer driver.
type CompileOptions struct {
	// MaxIterations bounds each phase's fixed-point loop. Zero uses
	// DefaultMaxIterations.
	MaxIterations int
	// Passes overrides the default two-phase pipeline entirely when
	// non-nil: the driver runs exactly this sequence to one fixed point
	// instead of generic->backend->generic.
	Passes []Pass
}

// Compile runs the optimizer driver to a fixed point over g. Supplementing
// §4.E, the default pipeline is two-phase: generic passes run to their own
// fixed point, then backend passes run once, then generic passes run
// again to clean up producers the backend passes orphaned — the ordering
// the original CPU optimizer uses (optimizers/cpu.rs), rather than a
// single flat pass list. CompileOptions.Passes bypasses this and runs a
// caller-supplied flat list instead.
func Compile(g *graph.Graph, opts CompileOptions) error {
	if len(opts.Passes) > 0 {
		d := &Driver{Passes: opts.Passes, MaxIterations: opts.MaxIterations}
		return d.Run(g)
	}

	before := len(g.NodeIDs())
	logger.Log.Debug().Int("nodes", before).Msg("compile: start")

	generic := &Driver{Passes: GenericPasses(), MaxIterations: opts.MaxIterations}
	if err := generic.Run(g); err != nil {
		return err
	}

	for _, pass := range BackendPasses() {
		if _, err := pass(g); err != nil {
			return err
		}
	}

	if err := generic.Run(g); err != nil {
		return err
	}

	after := len(g.NodeIDs())
	logger.Log.Debug().Int("nodes_before", before).Int("nodes_after", after).Msg("compile: done")
	return nil
}

// passPreset names a subset of GenericPasses/BackendPasses a YAML pipeline
// document may select by name, in PassesFromYAML's convenience form.
var passPreset = map[string]Pass{
	"cse":                 CommonSubexpressionElimination,
	"dce":                 DeadCodeElimination,
	"contiguous-elision":  ContiguousElision,
	"view-absorption":     ViewAbsorption,
	"unary-fusion":        UnaryChainFusion,
	"matmul":              backendpass.FuseMatMul,
	"attention":           backendpass.FuseAttention,
	"reduction-fusion":    backendpass.FuseReduction,
	"elementwise-fusion":  backendpass.FuseElementwise,
}

// pipelinePresets names the two canonical pipelines SPEC_FULL's "DOMAIN STACK"
// table promises a YAML convenience constructor for.
var pipelinePresets = map[string][]string{
	"generic": {"cse", "dce", "contiguous-elision", "view-absorption", "unary-fusion"},
	"cpu": {
		"cse", "dce", "contiguous-elision", "view-absorption", "unary-fusion",
		"matmul", "attention", "reduction-fusion", "elementwise-fusion",
		"cse", "dce",
	},
}

// PassesFromYAML parses doc as either a bare preset name (`generic` or
// `cpu`, quoted as YAML scalars) or an explicit YAML list of pass names,
// and resolves it to a concrete Pass slice for Driver/Compile. Unknown
// pass names fail with a descriptive error rather than silently skipping
// a requested rewrite.
func PassesFromYAML(doc []byte) ([]Pass, error) {
	var name string
	if err := yaml.Unmarshal(doc, &name); err == nil {
		if preset, ok := pipelinePresets[name]; ok {
			return passesFromNames(preset)
		}
	}

	var names []string
	if err := yaml.Unmarshal(doc, &names); err != nil {
		return nil, fmt.Errorf("tensorgraph: passes from yaml: %w", err)
	}
	return passesFromNames(names)
}

func passesFromNames(names []string) ([]Pass, error) {
	out := make([]Pass, 0, len(names))
	for _, n := range names {
		p, ok := passPreset[n]
		if !ok {
			return nil, fmt.Errorf("tensorgraph: passes from yaml: unknown pass %q", n)
		}
		out = append(out, p)
	}
	return out, nil
}
