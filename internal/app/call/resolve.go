package call

import "github.com/dkeye/callsig/internal/domain"

// ResolveRole decides the local role from the current record alone.
// Absent records, records of other parties and records naming local as
// caller make local the caller. Local is callee only while the record
// still rings for it, so a fresh caller always wins a stale record.
func ResolveRole(local domain.UserID, rec *domain.Session) domain.Role {
	if rec == nil || !rec.Involves(local) || rec.CallerID == local {
		return domain.RoleCaller
	}
	if rec.CalleeID == local && rec.Status == domain.StatusRinging {
		return domain.RoleCallee
	}
	return domain.RoleCaller
}
