// Package manager owns module lifecycles: registration, single-flight
// loading, background scheduling, and policy-driven unloading. It is split
// into small files by concern:
//
//   - manager.go: Registry, registration and lookup.
//   - config.go: ManagerConfig and package defaults; NewWithConfig applies defaults.
//   - types.go: State, Strategy, Loader and the optional module interfaces.
//   - errors.go: error types and predicates (IsDuplicateName, IsModuleNotFound, ...).
//   - handle.go: Handle and its state machine; Resolve, Borrow, Reset.
//   - unload.go: releasing a loaded module and the unload history.
//   - scheduler.go: LoadScheduler, a priority queue drained by workers.
//   - policy.go: UnloadPolicyEngine, the periodic eviction tick.
//   - status_report.go: Status reporting helpers.
//   - lru_persist.go: persisting last-used and footprint metadata.
//
// Tunables are read from a config.Reader on every use, so runtime
// configuration changes take effect on the next load or tick.
package manager
