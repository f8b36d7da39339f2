package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects.
const (
	DefaultSurfacePrefix  = "surface"
	SubjectSurfaceControl = "surface.control"
	SubjectSurfaceEvent   = "surface.events"
)

// Channel directions, appended to a surface subject.
const (
	DirectionToHost   = "to-host"
	DirectionToClient = "to-client"
)

// SanitizeToken makes s usable as a single subject token.
func SanitizeToken(s string) string {
	r := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")
	return r.Replace(s)
}

// BuildSurfaceSubject builds the subject carrying one direction of a surface channel.
func BuildSurfaceSubject(prefix, surfaceID, direction string) string {
	if prefix == "" {
		prefix = DefaultSurfacePrefix
	}
	return fmt.Sprintf("%s.%s.%s", prefix, SanitizeToken(surfaceID), direction)
}

// BuildToHostSubject builds the subject the client publishes on.
func BuildToHostSubject(prefix, surfaceID string) string {
	return BuildSurfaceSubject(prefix, surfaceID, DirectionToHost)
}

// BuildToClientSubject builds the subject the host publishes on.
func BuildToClientSubject(prefix, surfaceID string) string {
	return BuildSurfaceSubject(prefix, surfaceID, DirectionToClient)
}

// BuildEventSubject builds a granular lifecycle event subject.
func BuildEventSubject(base, surfaceID, event string) string {
	if base == "" {
		base = SubjectSurfaceEvent
	}
	return fmt.Sprintf("%s.%s.%s", base, SanitizeToken(surfaceID), event)
}
