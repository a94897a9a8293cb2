package models

import "strings"

// Role is the part a device plays on the local link.
type Role string

const (
	RoleHost    Role = "host"
	RoleClient  Role = "client"
	RoleOffline Role = "offline"
)

// Legacy identities carry a role tag in front of the device ID.
const (
	hostPrefix   = "host-"
	clientPrefix = "client-"
)

// ParseRole maps a user-supplied string onto a Role.
func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleHost:
		return RoleHost, true
	case RoleClient:
		return RoleClient, true
	case RoleOffline:
		return RoleOffline, true
	default:
		return "", false
	}
}

// StripRolePrefix removes one leading host-/client- tag from an identity.
func StripRolePrefix(id string) string {
	id = strings.TrimSpace(id)
	if rest, ok := strings.CutPrefix(id, hostPrefix); ok {
		return rest
	}
	if rest, ok := strings.CutPrefix(id, clientPrefix); ok {
		return rest
	}
	return id
}

// SameOwner compares two identities with role tags removed. Empty identities never match.
func SameOwner(a, b string) bool {
	a = StripRolePrefix(a)
	if a == "" {
		return false
	}
	return a == StripRolePrefix(b)
}

// TagIdentity prefixes a bare device ID with its role tag.
func TagIdentity(role Role, deviceID string) string {
	bare := StripRolePrefix(deviceID)
	switch role {
	case RoleHost:
		return hostPrefix + bare
	case RoleClient:
		return clientPrefix + bare
	default:
		return bare
	}
}
