package bridge

// Layer is the lifecycle contract every bridge layer implements, grounded
// on layers/layer_base.py's LayerBase: Init wires callbacks only (it must
// not yet perform operations against the home server or a back-end, since
// the rest of the system may not be ready), Start kicks off steady-state
// operation, Stop requests shutdown, and Stopped reports whether it has
// finished.
type Layer interface {
	// Init wires this layer's callbacks into the registries it depends
	// on. It makes no home-server calls; Connection's Init also loads the
	// persisted accounts from storage.
	Init() error
	// Start begins steady-state operation (e.g. arming timers, kicking
	// off the initial sync). Runs on the main-loop goroutine.
	Start()
	// Stop requests shutdown; must return immediately.
	Stop()
	// Stopped reports whether shutdown has completed.
	Stopped() bool
}

// baseLayer is embedded by layers with no shutdown work of their own,
// grounded on LayerBase's default stop/stopped no-ops.
type baseLayer struct{}

func (baseLayer) Stop()        {}
func (baseLayer) Stopped() bool { return true }
