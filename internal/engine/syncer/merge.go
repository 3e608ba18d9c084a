package syncer

import "cardsync/internal/platform/models"

type field string

const (
	fieldTitle field = "title"
	fieldBody  field = "description"
	fieldState field = "status"
)

type conflict struct {
	Field       field
	LocalValue  string
	RemoteValue string
}

type mergePlan struct {
	push      map[field]bool
	pull      map[field]bool
	conflicts []conflict
}

func (p mergePlan) pushes() bool { return len(p.push) > 0 }
func (p mergePlan) pulls() bool  { return len(p.pull) > 0 }

func valueOf(s models.SyncSnapshot, f field) string {
	switch f {
	case fieldTitle:
		return s.Title
	case fieldBody:
		return s.Body
	default:
		return s.State
	}
}

// planMerge decides per field which side's value survives. With a base
// snapshot a side has changed a field when its value differs from the base;
// the remote side additionally only counts when its timestamp moved. Without
// a base only the timestamps are available. On a true conflict the remote
// value wins for every field handled here.
func planMerge(base *models.SyncSnapshot, local, rem models.SyncSnapshot, localChanged, remoteChanged bool) mergePlan {
	plan := mergePlan{push: map[field]bool{}, pull: map[field]bool{}}

	for _, f := range []field{fieldTitle, fieldBody, fieldState} {
		lv, rv := valueOf(local, f), valueOf(rem, f)
		if lv == rv {
			continue
		}

		var lc, rc bool
		if base != nil {
			bv := valueOf(*base, f)
			lc = lv != bv
			rc = remoteChanged && rv != bv
		} else {
			lc = localChanged
			rc = remoteChanged
		}

		switch {
		case lc && rc:
			plan.pull[f] = true
			plan.conflicts = append(plan.conflicts, conflict{Field: f, LocalValue: lv, RemoteValue: rv})
		case lc:
			plan.push[f] = true
		case rc:
			plan.pull[f] = true
		}
	}
	return plan
}

// agreedSnapshot is the base to store after a reconcile: fields both sides
// now share take the shared value, fields still diverging keep the old base.
func agreedSnapshot(base *models.SyncSnapshot, local, rem models.SyncSnapshot) *models.SyncSnapshot {
	out := rem
	if base == nil {
		return &out
	}
	if local.Title != rem.Title {
		out.Title = base.Title
	}
	if local.Body != rem.Body {
		out.Body = base.Body
	}
	if local.State != rem.State {
		out.State = base.State
	}
	return &out
}
