package execctx

// Scope parametrizes a Store. The run and admin contexts are the same code
// instantiated with different scopes.
type Scope struct {
	Name string
	Key  string
	// AllowRepairWhileSuspended lets ClearQueue and ResetFailureCount run on
	// a suspended context.
	AllowRepairWhileSuspended bool
}

var (
	// Run is the context consulted by automatic dispatch.
	Run = Scope{Name: "run", Key: "context.json"}
	// Admin is the operator-owned context, kept apart from Run.
	Admin = Scope{Name: "admin", Key: "admin/context.json", AllowRepairWhileSuspended: true}
)

// Repair returns s with the admin repair rules applied. Operators use it to
// fix the run context without going through automatic dispatch.
func Repair(s Scope) Scope {
	s.AllowRepairWhileSuspended = true
	if s.Name != Admin.Name {
		s.Name += ".repair"
	}
	return s
}
