package interrupt

import (
	"fmt"

	"github.com/tinyrange/kintr/internal/bugcheck"
	"github.com/tinyrange/kintr/internal/hal"
)

// ConnectType is how a vector is bound.
type ConnectType int

const (
	// Unbound vectors dispatch to the platform's unexpected interrupt
	// handler.
	Unbound ConnectType = iota

	// Single vectors dispatch straight to one object.
	Single

	// Chained vectors dispatch to the head of a chain of objects.
	Chained

	// Unknown vectors dispatch somewhere this package did not install.
	Unknown
)

func (t ConnectType) String() string {
	switch t {
	case Unbound:
		return "unbound"
	case Single:
		return "single"
	case Chained:
		return "chained"
	case Unknown:
		return "unknown"
	}
	return fmt.Sprintf("connect-type(%d)", int(t))
}

// VectorBinding is a snapshot of how a vector is bound.
type VectorBinding struct {
	Vector uint32
	Type   ConnectType
	Style  hal.Style

	// Interrupt is the sole object of a Single binding or the head of a
	// Chained one.
	Interrupt *Object

	unbound hal.Target
}

// Resolve classifies vector's binding from the target currently installed
// for it. It takes no locks; callers that act on the result must hold the
// dispatcher lock. A platform reporting an addressing style this package
// does not know is fatal.
func (k *Kernel) Resolve(vector uint32) VectorBinding {
	b, d := k.classify(vector)
	if b.Type == Unknown {
		k.metrics.unknownBinding()
		if k.unknownLog.Allow() {
			k.log.Warn("unrecognized vector binding",
				"vector", vector,
				"style", d.Style,
				"target", fmt.Sprintf("%T", d.Current))
		}
	}
	return b
}

// boundHead returns the object vector currently dispatches to directly or
// as a chain head, or nil. It is quiet on foreign bindings so dispatch can
// call it.
func (k *Kernel) boundHead(vector uint32) *Object {
	b, _ := k.classify(vector)
	if b.Type == Single || b.Type == Chained {
		return b.Interrupt
	}
	return nil
}

func (k *Kernel) classify(vector uint32) (VectorBinding, hal.VectorDispatch) {
	d := k.platform.QueryVectorDispatch(vector)
	b := VectorBinding{
		Vector:  vector,
		Style:   d.Style,
		unbound: d.Default,
	}

	sentinels, ok := styleDispatchers[d.Style]
	if !ok {
		bugcheck.Raise(bugcheck.MismatchedHal, 0, uint64(d.Style), uint64(vector))
	}

	if d.Current == d.Default {
		b.Type = Unbound
		return b, d
	}

	var code *DispatchCode
	switch d.Style {
	case hal.StyleDirect:
		code, _ = d.Current.(*DispatchCode)
	case hal.StyleFlat:
		if e, ok := d.Current.(*SecondLevelEntry); ok {
			code = e.code
		}
	}

	if code != nil && code.object != nil {
		b.Interrupt = code.object
		switch code.load() {
		case sentinels.chained:
			b.Type = Chained
			return b, d
		case sentinels.normal, sentinels.floating:
			b.Type = Single
			return b, d
		}
	}

	b.Type = Unknown
	return b, d
}
