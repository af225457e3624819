package main

import (
	"context"

	"github.com/matst80/wsgate/internal/admission"
	"github.com/matst80/wsgate/internal/state"
)

// StateView is served at /api/state.
type StateView struct {
	state.Stats
	Active  int64          `json:"active"`
	Ceiling int64          `json:"ceiling"`
	Records []state.Record `json:"records"`
}

func collectState(ctx context.Context, s state.Store, adm *admission.Controller) (StateView, error) {
	recs, err := s.List(ctx)
	if err != nil {
		return StateView{}, err
	}
	return StateView{Stats: s.Stats(), Active: adm.Active(), Ceiling: adm.Ceiling(), Records: recs}, nil
}
