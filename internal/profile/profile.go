// Package profile loads an optional HCL installation profile: a settings
// block overriding configuration defaults, plus named pre/post hook
// commands that run around the main pipeline.
//
// Example:
//
//	settings {
//	  port               = 8022
//	  host_key_algorithm = "ssh-mldsa44"
//	}
//
//	hook "pre" "os-packages" {
//	  command = "apt-get"
//	  args    = ["install", "-y", "cmake", "ninja-build"]
//	}
//
//	hook "post" "banner" {
//	  command = "${prefix}/bin/ssh"
//	  args    = ["-V"]
//	}
package profile

import (
	"errors"
	"fmt"
	"math"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// ErrProfile indicates the profile file could not be parsed or evaluated.
var ErrProfile = errors.New("profile: invalid profile")

// Hook is one command to run before ("pre") or after ("post") the
// pipeline's own steps.
type Hook struct {
	Phase   string
	Name    string
	Command string
	Args    []string
	Dir     string
}

// Profile is the decoded installation profile.
type Profile struct {
	// Settings overrides configuration defaults; values remain subject to
	// CLI and environment precedence.
	Settings map[string]any

	PreHooks  []Hook
	PostHooks []Hook
}

type profileHCL struct {
	Settings *settingsHCL `hcl:"settings,block"`
	Hooks    []hookHCL    `hcl:"hook,block"`
}

type settingsHCL struct {
	Remain hcl.Body `hcl:",remain"`
}

type hookHCL struct {
	Phase   string   `hcl:"phase,label"`
	Name    string   `hcl:"name,label"`
	Command string   `hcl:"command"`
	Args    []string `hcl:"args,optional"`
	Dir     string   `hcl:"dir,optional"`
}

// Load parses the profile at path. vars (e.g. prefix, port) are available
// to expressions inside the file.
func Load(path string, vars map[string]cty.Value) (*Profile, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: %s", ErrProfile, diags.Error())
	}
	return decode(file.Body, vars)
}

// LoadSource parses profile source text; used by tests.
func LoadSource(src []byte, filename string, vars map[string]cty.Value) (*Profile, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: %s", ErrProfile, diags.Error())
	}
	return decode(file.Body, vars)
}

func decode(body hcl.Body, vars map[string]cty.Value) (*Profile, error) {
	evalCtx := &hcl.EvalContext{Variables: vars}

	var raw profileHCL
	if diags := gohcl.DecodeBody(body, evalCtx, &raw); diags.HasErrors() {
		return nil, fmt.Errorf("%w: %s", ErrProfile, diags.Error())
	}

	p := &Profile{Settings: map[string]any{}}

	if raw.Settings != nil {
		attrs, diags := raw.Settings.Remain.JustAttributes()
		if diags.HasErrors() {
			return nil, fmt.Errorf("%w: settings: %s", ErrProfile, diags.Error())
		}
		for name, attr := range attrs {
			val, diags := attr.Expr.Value(evalCtx)
			if diags.HasErrors() {
				return nil, fmt.Errorf("%w: settings.%s: %s", ErrProfile, name, diags.Error())
			}
			goVal, err := ctyToGo(val)
			if err != nil {
				return nil, fmt.Errorf("%w: settings.%s: %v", ErrProfile, name, err)
			}
			p.Settings[name] = goVal
		}
	}

	for _, h := range raw.Hooks {
		hook := Hook{Phase: h.Phase, Name: h.Name, Command: h.Command, Args: h.Args, Dir: h.Dir}
		switch h.Phase {
		case "pre":
			p.PreHooks = append(p.PreHooks, hook)
		case "post":
			p.PostHooks = append(p.PostHooks, hook)
		default:
			return nil, fmt.Errorf("%w: hook %q has phase %q, want \"pre\" or \"post\"", ErrProfile, h.Name, h.Phase)
		}
	}

	return p, nil
}

// ctyToGo converts the primitive cty values a settings block may hold.
func ctyToGo(val cty.Value) (any, error) {
	switch val.Type() {
	case cty.String:
		return val.AsString(), nil
	case cty.Bool:
		return val.True(), nil
	case cty.Number:
		f, _ := val.AsBigFloat().Float64()
		if f == math.Trunc(f) {
			return int(f), nil
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported setting type %s", val.Type().FriendlyName())
	}
}
