package backend

import (
	"errors"

	"github.com/jimlambrt/gldap"

	"github.com/foxygoat/flapjakd/internal/store"
)

// LDAPError is an LDAP result code, the teacher's error.go type unchanged:
// it satisfies the error interface via gldap's own result-code text table.
type LDAPError uint16

func (e LDAPError) Error() string {
	if s, ok := gldap.ResultCodeMap[uint16(e)]; ok {
		return s
	}
	return "unknown error"
}

// ResultCode returns the numeric LDAP result code, for handlers that call
// resp.SetResultCode.
func (e LDAPError) ResultCode() int {
	return int(e)
}

// ToLDAPError translates a [store.StoreError] into the LDAP result code a
// protocol handler should send back, the facade boundary's rendition of
// spec.md §7's error-handling design: a tagged Go error translated to a
// wire-level result code, not re-derived ad hoc at each call site.
func ToLDAPError(err error) LDAPError {
	var serr *store.StoreError
	if !errors.As(err, &serr) {
		return LDAPError(gldap.ResultOperationsError)
	}
	switch serr.Code {
	case store.NoSuchObject:
		return LDAPError(gldap.ResultNoSuchObject)
	case store.EntryAlreadyExists:
		return LDAPError(gldap.ResultEntryAlreadyExists)
	case store.NotAllowedOnNonleaf:
		return LDAPError(gldap.ResultNotAllowedOnNonLeaf)
	case store.UnwillingToPerform:
		return LDAPError(gldap.ResultUnwillingToPerform)
	default:
		return LDAPError(gldap.ResultOperationsError)
	}
}
