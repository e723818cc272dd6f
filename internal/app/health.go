package app

import (
	"errors"
	"time"
)

type healthReport struct {
	Status           string            `json:"status"`
	Scheduled        int               `json:"scheduled"`
	AwaitingApproval int               `json:"awaiting_approval"`
	InFlight         int               `json:"in_flight"`
	OpenGroups       int               `json:"open_groups"`
	PendingCommits   int               `json:"pending_commits"`
	NextFire         *time.Time        `json:"next_fire,omitempty"`
	UpdatesDropped   uint64            `json:"updates_dropped"`
	BusDropped       uint64            `json:"bus_dropped"`
	Components       map[string]string `json:"components"`
}

// health backs /healthz. Unpersisted fingerprint commits or a failed
// supervisor mark the process degraded.
func (a *App) health() (any, error) {
	st := a.engine.Stats()
	rep := healthReport{
		Status:           "ok",
		Scheduled:        st.Scheduled,
		AwaitingApproval: st.AwaitingApproval,
		InFlight:         st.InFlight,
		OpenGroups:       st.Groups,
		PendingCommits:   st.PendingCommits,
		UpdatesDropped:   a.adapter.Dropped(),
		BusDropped:       a.bus.Dropped(),
		Components:       map[string]string{},
	}
	if !st.NextFire.IsZero() {
		next := st.NextFire
		rep.NextFire = &next
	}

	var errs []error
	for _, s := range a.sups.Snapshots() {
		state := "ok"
		if s.FirstError != "" {
			state = s.FirstError
			errs = append(errs, errors.New(s.Name+": "+s.FirstError))
		}
		rep.Components[s.Name] = state
	}
	if st.PendingCommits > 0 {
		errs = append(errs, errors.New("fingerprint commits pending"))
	}
	if err := errors.Join(errs...); err != nil {
		rep.Status = "degraded"
		return rep, err
	}
	return rep, nil
}
