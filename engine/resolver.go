package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/franksops/dmove/job"
	"github.com/franksops/dmove/provider"
)

// ErrNoPrompt is returned when the prompt policy is used without a PromptFunc.
var ErrNoPrompt = errors.New("overwrite prompt not available")

// OverwritePolicy decides whether an existing destination is replaced.
type OverwritePolicy int

const (
	PolicyPrompt OverwritePolicy = iota
	PolicyAlways
	PolicyNever
	PolicyIfNewer
)

var policyNames = map[OverwritePolicy]string{
	PolicyPrompt:  "prompt",
	PolicyAlways:  "always",
	PolicyNever:   "never",
	PolicyIfNewer: "if-newer",
}

func (p OverwritePolicy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("OverwritePolicy(%d)", int(p))
}

// ParsePolicy converts a policy name (prompt, always, never, if-newer).
func ParsePolicy(name string) (OverwritePolicy, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for p, n := range policyNames {
		if n == name {
			return p, nil
		}
	}
	return PolicyPrompt, fmt.Errorf("unknown overwrite policy %q", name)
}

// PromptFunc asks whether dst should be replaced by src.
type PromptFunc func(ctx context.Context, j *job.Job, src, dst provider.FileInfo) (bool, error)

// Resolver makes the overwrite decision of a job once and records it on
// the job, so retries and resumed runs reuse it.
type Resolver struct {
	policy OverwritePolicy
	prompt PromptFunc

	// one question at a time
	promptMu sync.Mutex
}

// NewResolver returns a Resolver. prompt is only used with PolicyPrompt.
func NewResolver(policy OverwritePolicy, prompt PromptFunc) *Resolver {
	return &Resolver{policy: policy, prompt: prompt}
}

// Policy returns the configured policy.
func (r *Resolver) Policy() OverwritePolicy {
	return r.policy
}

// Resolve returns whether the job may write its destination. dstInfo is
// nil when the destination does not exist.
func (r *Resolver) Resolve(ctx context.Context, j *job.Job, srcInfo, dstInfo provider.FileInfo) (bool, error) {
	if v, decided := j.Overwrite().Value(); decided {
		return v, nil
	}

	decision, err := r.decide(ctx, j, srcInfo, dstInfo)
	if err != nil {
		return false, err
	}
	if err := j.SetOverwrite(decision); err != nil {
		return false, err
	}
	return decision, nil
}

func (r *Resolver) decide(ctx context.Context, j *job.Job, srcInfo, dstInfo provider.FileInfo) (bool, error) {
	if dstInfo == nil {
		return true, nil
	}

	switch r.policy {
	case PolicyAlways:
		return true, nil
	case PolicyNever:
		return false, nil
	case PolicyIfNewer:
		return srcInfo != nil && srcInfo.ModTime().After(dstInfo.ModTime()), nil
	default:
		if r.prompt == nil {
			return false, ErrNoPrompt
		}
		r.promptMu.Lock()
		defer r.promptMu.Unlock()
		return r.prompt(ctx, j, srcInfo, dstInfo)
	}
}
