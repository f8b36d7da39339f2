package comms

import (
	"fmt"

	masterminds "github.com/Masterminds/semver/v3"
)

// protocolGate decides whether a client's announced protocol version is acceptable.
type protocolGate struct {
	raw        string
	constraint *masterminds.Constraints
}

func newProtocolGate(supported string) (*protocolGate, error) {
	c, err := masterminds.NewConstraint(supported)
	if err != nil {
		return nil, fmt.Errorf("comms: invalid supported protocol constraint %q: %w", supported, err)
	}
	return &protocolGate{raw: supported, constraint: c}, nil
}

// check accepts an empty version: client-ready carries no mandatory payload.
func (g *protocolGate) check(clientVersion string) error {
	if clientVersion == "" {
		return nil
	}
	v, err := masterminds.NewVersion(clientVersion)
	if err != nil {
		return &IncompatibleProtocolError{Client: clientVersion, Supported: g.raw, Reason: "not a semantic version"}
	}
	if ok, errs := g.constraint.Validate(v); !ok {
		reason := ""
		if len(errs) > 0 {
			reason = errs[0].Error()
		}
		return &IncompatibleProtocolError{Client: clientVersion, Supported: g.raw, Reason: reason}
	}
	return nil
}
