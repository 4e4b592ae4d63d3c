// Package config loads a connector's HCL file: its identity, peer table,
// fabric paths, per-service pipeline defaults, and an optional chain
// definition to initiate.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/specialistvlad/chainmesh/internal/chain"
	"github.com/specialistvlad/chainmesh/internal/processor"
)

// File is the fully resolved configuration of one connector.
type File struct {
	UID       string
	Port      int
	Advertise string

	// Peers maps target service IDs to peer base URLs.
	Peers map[string]string

	Paths chain.Paths

	// Pipelines holds the default pipeline this connector installs for a
	// service it materializes from a setup broadcast.
	Pipelines map[string]PipelineDefault

	// Chain is the chain definition this connector initiates, if any.
	Chain []chain.Stage
}

type fileRoot struct {
	Connector *connectorBlock  `hcl:"connector,block"`
	Peers     *attrsBlock      `hcl:"peers,block"`
	Paths     *pathsBlock      `hcl:"paths,block"`
	Pipelines []*pipelineBlock `hcl:"pipeline,block"`
	Chain     *chainBlock      `hcl:"chain,block"`
}

type connectorBlock struct {
	UID       string `hcl:"uid"`
	Port      int    `hcl:"port,optional"`
	Advertise string `hcl:"advertise,optional"`
}

// attrsBlock defers decoding so a block can hold arbitrary key = value pairs.
type attrsBlock struct {
	Body hcl.Body `hcl:",remain"`
}

type pathsBlock struct {
	Setup  string `hcl:"setup,optional"`
	Run    string `hcl:"run,optional"`
	Notify string `hcl:"notify,optional"`
}

// PipelineDefault is the pipeline a connector installs on nodes it creates
// for a service, plus the optional service the node forwards its output to.
type PipelineDefault struct {
	Processors []processor.Processor
	NextTarget string
}

type pipelineBlock struct {
	Target     string            `hcl:"target,label"`
	Next       string            `hcl:"next_target,optional"`
	Processors []*processorBlock `hcl:"processor,block"`
}

type processorBlock struct {
	Kind string   `hcl:"kind,label"`
	Body hcl.Body `hcl:",remain"`
}

type chainBlock struct {
	Stages []*stageBlock `hcl:"stage,block"`
}

type stageBlock struct {
	Location   string            `hcl:"location"`
	Services   []string          `hcl:"services,optional"`
	Blocks     []*serviceBlock   `hcl:"service,block"`
	Processors []*processorBlock `hcl:"processor,block"`
}

type serviceBlock struct {
	Name string            `hcl:"name,label"`
	Meta map[string]string `hcl:"meta,optional"`
}

// Load parses and resolves the connector file at path. Processor blocks are
// built against the given registry so configuration errors surface at
// startup, not at execution time.
func Load(path string, reg *processor.Registry) (*File, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(src, path, reg)
}

// Parse resolves connector configuration from raw HCL source.
func Parse(src []byte, filename string, reg *processor.Registry) (*File, error) {
	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("config: parse %s: %w", filename, diags)
	}

	var root fileRoot
	if diags := gohcl.DecodeBody(hclFile.Body, nil, &root); diags.HasErrors() {
		return nil, fmt.Errorf("config: decode %s: %w", filename, diags)
	}
	if root.Connector == nil {
		return nil, fmt.Errorf("config: %s: missing required connector block", filename)
	}

	out := &File{
		UID:       root.Connector.UID,
		Port:      root.Connector.Port,
		Advertise: root.Connector.Advertise,
		Peers:     map[string]string{},
		Paths:     chain.DefaultPaths(),
		Pipelines: map[string]PipelineDefault{},
	}
	if out.UID == "" {
		return nil, fmt.Errorf("config: %s: connector uid must not be empty", filename)
	}

	if root.Paths != nil {
		if root.Paths.Setup != "" {
			out.Paths.Setup = root.Paths.Setup
		}
		if root.Paths.Run != "" {
			out.Paths.Run = root.Paths.Run
		}
		if root.Paths.Notify != "" {
			out.Paths.Notify = root.Paths.Notify
		}
	}

	if root.Peers != nil {
		peers, err := decodeStringAttrs(root.Peers.Body)
		if err != nil {
			return nil, fmt.Errorf("config: %s: peers: %w", filename, err)
		}
		out.Peers = peers
	}

	for _, pb := range root.Pipelines {
		procs, err := buildProcessors(pb.Processors, reg)
		if err != nil {
			return nil, fmt.Errorf("config: %s: pipeline %q: %w", filename, pb.Target, err)
		}
		out.Pipelines[pb.Target] = PipelineDefault{Processors: procs, NextTarget: pb.Next}
	}

	if root.Chain != nil {
		stages, err := buildStages(root.Chain.Stages, reg)
		if err != nil {
			return nil, fmt.Errorf("config: %s: chain: %w", filename, err)
		}
		out.Chain = stages
	}

	return out, nil
}

// buildStages normalizes stage blocks into the chain model. Bare service
// strings and service blocks collapse into one ServiceRef shape.
func buildStages(blocks []*stageBlock, reg *processor.Registry) ([]chain.Stage, error) {
	stages := make([]chain.Stage, 0, len(blocks))
	for i, sb := range blocks {
		location, err := chain.ParseLocation(sb.Location)
		if err != nil {
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}
		var services []chain.ServiceRef
		for _, id := range sb.Services {
			services = append(services, chain.ServiceRef{TargetID: id})
		}
		for _, svc := range sb.Blocks {
			services = append(services, chain.ServiceRef{TargetID: svc.Name, Meta: svc.Meta})
		}
		procs, err := buildProcessors(sb.Processors, reg)
		if err != nil {
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}
		stages = append(stages, chain.Stage{
			Services:   services,
			Location:   location,
			Processors: procs,
		})
	}
	return stages, nil
}

func buildProcessors(blocks []*processorBlock, reg *processor.Registry) ([]processor.Processor, error) {
	procs := make([]processor.Processor, 0, len(blocks))
	for _, pb := range blocks {
		args, err := decodeArgs(pb.Body)
		if err != nil {
			return nil, fmt.Errorf("processor %q: %w", pb.Kind, err)
		}
		proc, err := reg.Build(pb.Kind, args)
		if err != nil {
			return nil, err
		}
		procs = append(procs, proc)
	}
	return procs, nil
}

// decodeArgs evaluates every attribute of a processor block into a cty
// value. Expressions must be constant; chain files carry no variables.
func decodeArgs(body hcl.Body) (map[string]cty.Value, error) {
	attrs, diags := body.JustAttributes()
	if diags.HasErrors() {
		return nil, diags
	}
	args := make(map[string]cty.Value, len(attrs))
	for name, attr := range attrs {
		v, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, diags
		}
		args[name] = v
	}
	return args, nil
}

func decodeStringAttrs(body hcl.Body) (map[string]string, error) {
	attrs, diags := body.JustAttributes()
	if diags.HasErrors() {
		return nil, diags
	}
	out := make(map[string]string, len(attrs))
	for name, attr := range attrs {
		v, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, diags
		}
		if v.Type() != cty.String {
			return nil, fmt.Errorf("attribute %q must be a string", name)
		}
		out[strings.Trim(name, `"`)] = v.AsString()
	}
	return out, nil
}
