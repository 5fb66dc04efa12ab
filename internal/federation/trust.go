// Package federation connects peer nodes symmetrically: each side exposes the
// same HTTP surface and runs the same gateway loops, so "client" and "server"
// are roles per request, not per node.
package federation

import (
	"fmt"

	"taskmesh/internal/domain"
)

// Trust levels, ordered. A peer starts untrusted and is promoted manually or
// by sustained successful exchanges; there is no automatic promotion past
// trusted.
type TrustLevel int

const (
	TrustUntrusted TrustLevel = iota
	TrustObserved
	TrustTrusted
	TrustCertified
)

var trustNames = map[TrustLevel]string{
	TrustUntrusted: "untrusted",
	TrustObserved:  "observed",
	TrustTrusted:   "trusted",
	TrustCertified: "certified",
}

func (l TrustLevel) String() string { return trustNames[l] }

func ParseTrustLevel(s string) (TrustLevel, error) {
	for l, name := range trustNames {
		if name == s {
			return l, nil
		}
	}
	return TrustUntrusted, fmt.Errorf("%w: unknown trust level %q", domain.ErrValidation, s)
}

// Data classes exchanged over federation.
const (
	DataPublicTask       = "public_task"
	DataSolution         = "solution"
	DataProfileAggregate = "profile_aggregate"
	DataSensitiveContext = "sensitive_context"
)

// RequiredLevel maps each data class to the minimum trust a peer needs to
// receive it. Public tasks flow to anyone; sensitive context only to
// certified peers.
func RequiredLevel(dataType string) (TrustLevel, error) {
	switch dataType {
	case DataPublicTask:
		return TrustUntrusted, nil
	case DataSolution:
		return TrustObserved, nil
	case DataProfileAggregate:
		return TrustTrusted, nil
	case DataSensitiveContext:
		return TrustCertified, nil
	}
	return TrustCertified, fmt.Errorf("%w: unknown data type %q", domain.ErrValidation, dataType)
}

// CanShare reports whether a peer at the given trust level may receive the
// data class. Unknown data classes are never shared.
func CanShare(peerLevel string, dataType string) bool {
	level, err := ParseTrustLevel(peerLevel)
	if err != nil {
		return false
	}
	required, err := RequiredLevel(dataType)
	if err != nil {
		return false
	}
	return level >= required
}
