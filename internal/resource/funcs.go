package resource

import (
	"context"
	"fmt"
)

// Funcs adapts plain functions into a Resource. A nil UpdateFunc means the
// resource has no in-place update path.
type Funcs struct {
	ID          string
	Description string
	ProbeFunc   func(ctx context.Context) (Evaluation, error)
	CreateFunc  func(ctx context.Context) error
	UpdateFunc  func(ctx context.Context) error
	HintList    []string
}

var (
	_ Resource  = (*Funcs)(nil)
	_ Describer = (*Funcs)(nil)
	_ Hinter    = (*Funcs)(nil)
)

func (f *Funcs) Name() string { return f.ID }

func (f *Funcs) Probe(ctx context.Context) (Evaluation, error) {
	return f.ProbeFunc(ctx)
}

func (f *Funcs) Create(ctx context.Context) error {
	if f.CreateFunc == nil {
		return fmt.Errorf("%s cannot be created by the installer", f.ID)
	}
	return f.CreateFunc(ctx)
}

func (f *Funcs) Update(ctx context.Context) error {
	if f.UpdateFunc == nil {
		return fmt.Errorf("%s has no in-place update", f.ID)
	}
	return f.UpdateFunc(ctx)
}

func (f *Funcs) Describe() string {
	if f.Description != "" {
		return f.Description
	}
	return "ensure " + f.ID
}

func (f *Funcs) Hints() []string { return f.HintList }
