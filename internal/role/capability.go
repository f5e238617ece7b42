package role

import "sort"

// Capability names an action the web client gates on.
type Capability string

// Capabilities.
const (
	CapMoodJournal   Capability = "mood.journal"
	CapTeamDashboard Capability = "team.dashboard"
	CapContentEdit   Capability = "content.edit"
	CapContentDelete Capability = "content.delete"
	CapStorageUpload Capability = "storage.upload"
	CapRolesAssign   Capability = "roles.assign"
)

// minimum role per capability
var capabilities = map[Capability]Role{
	CapMoodJournal:   User,
	CapTeamDashboard: Salarie,
	CapContentEdit:   RH,
	CapStorageUpload: RH,
	CapContentDelete: Admin,
	CapRolesAssign:   Admin,
}

// Can reports whether r grants c. Unknown capabilities are denied.
func (r Role) Can(c Capability) bool {
	min, ok := capabilities[c]
	return ok && r.AtLeast(min)
}

// Capabilities lists what r grants, sorted by name.
func (r Role) Capabilities() []Capability {
	out := make([]Capability, 0, len(capabilities))
	for c, min := range capabilities {
		if r.AtLeast(min) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Requires returns the minimum role for c.
func Requires(c Capability) (Role, bool) {
	min, ok := capabilities[c]
	return min, ok
}
