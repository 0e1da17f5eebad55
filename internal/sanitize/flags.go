package sanitize

import "github.com/openqube/guid/internal/registry"

// knownFlagMask is the union of every flag bit this daemon understands;
// unknown bits are stripped rather than rejected.
const knownFlagMask = uint32(registry.FlagFullscreen) | uint32(registry.FlagDemandsAttention) | uint32(registry.FlagMinimize)

// ErrFlagConflict is a VERIFY-class violation: the guest asked to both set
// and unset the same flag bit in one message.
type ErrFlagConflict struct {
	Conflicting uint32
}

func (e *ErrFlagConflict) Error() string {
	return "sanitize: flags_set and flags_unset overlap"
}

// ResolveFlags strips unknown bits from both sets and reports a VERIFY
// violation if the declared sets aren't disjoint. On a violation the
// caller must not apply any flag change until the operator has ruled.
func ResolveFlags(flagsSet, flagsUnset uint32) (set, unset uint32, err error) {
	set = flagsSet & knownFlagMask
	unset = flagsUnset & knownFlagMask
	if set&unset != 0 {
		return set, unset, &ErrFlagConflict{Conflicting: set & unset}
	}
	return set, unset, nil
}
