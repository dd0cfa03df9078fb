package sandbox

// Capability names one optional operation of the adapter surface.
type Capability string

const (
	CapCreate            Capability = "create"
	CapStart             Capability = "start"
	CapStop              Capability = "stop"
	CapPause             Capability = "pause"
	CapResume            Capability = "resume"
	CapDelete            Capability = "delete"
	CapGetInfo           Capability = "getInfo"
	CapRenewExpiration   Capability = "renewExpiration"
	CapExecuteStream     Capability = "executeStream"
	CapExecuteBackground Capability = "executeBackground"
	CapInterrupt         Capability = "interrupt"
	CapReadFiles         Capability = "readFiles"
	CapReadStream        Capability = "readStream"
	CapWriteFiles        Capability = "writeFiles"
	CapDeleteFiles       Capability = "deleteFiles"
	CapMoveFiles         Capability = "moveFiles"
	CapReplaceContent    Capability = "replaceContent"
	CapGetFileInfo       Capability = "getFileInfo"
	CapListDirectory     Capability = "listDirectory"
	CapCreateDirectories Capability = "createDirectories"
	CapDeleteDirectories Capability = "deleteDirectories"
	CapSetPermissions    Capability = "setPermissions"
	CapSearch            Capability = "search"
	CapPing              Capability = "ping"
	CapGetMetrics        Capability = "getMetrics"
)

// Execute is not optional, but it is reported like a capability so that
// metrics and traces share one vocabulary.
const CapExecute Capability = "execute"

// Capabilities lists every optional capability in a stable order.
var Capabilities = []Capability{
	CapCreate, CapStart, CapStop, CapPause, CapResume, CapDelete, CapGetInfo,
	CapRenewExpiration, CapExecuteStream, CapExecuteBackground, CapInterrupt,
	CapReadFiles, CapReadStream, CapWriteFiles, CapDeleteFiles, CapMoveFiles,
	CapReplaceContent, CapGetFileInfo, CapListDirectory, CapCreateDirectories,
	CapDeleteDirectories, CapSetPermissions, CapSearch, CapPing, CapGetMetrics,
}

// Resolution is how an adapter serves a capability.
type Resolution string

const (
	Native      Resolution = "native"
	Polyfilled  Resolution = "polyfill"
	Unsupported Resolution = "unsupported"
)

// CapabilityTable maps every capability to its resolution. It is computed
// once when an adapter is built and never changes afterwards.
type CapabilityTable map[Capability]Resolution

// Supports reports whether c is served natively or by the polyfill.
func (t CapabilityTable) Supports(c Capability) bool {
	r, ok := t[c]
	return ok && r != Unsupported
}

// pick resolves one capability: the provider's own implementation wins, the
// polyfill is next, and unsupported is the fallback. Lifecycle capabilities
// are not implemented by the polyfill so they resolve to native or nothing.
func pick[T any](provider Provider, poly *Polyfill) (T, Resolution) {
	if impl, ok := any(provider).(T); ok {
		return impl, Native
	}
	if poly != nil {
		if impl, ok := any(poly).(T); ok {
			return impl, Polyfilled
		}
	}
	var zero T
	return zero, Unsupported
}
