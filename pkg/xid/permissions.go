package xid

import "strings"

// Permission is a bitmap of capabilities granted to a key or delegate.
type Permission uint32

const (
	PermAll Permission = 1 << iota
	PermAuth
	PermSign
	PermEncrypt
	PermElide
	PermIssue
	PermAccess
	PermVerify
	PermDelegate
	PermTransfer
	PermRevoke
)

var permNames = []struct {
	bit  Permission
	name string
}{
	{PermAll, "All"},
	{PermAuth, "Auth"},
	{PermSign, "Sign"},
	{PermEncrypt, "Encrypt"},
	{PermElide, "Elide"},
	{PermIssue, "Issue"},
	{PermAccess, "Access"},
	{PermVerify, "Verify"},
	{PermDelegate, "Delegate"},
	{PermTransfer, "Transfer"},
	{PermRevoke, "Revoke"},
}

// Has reports whether p contains every bit of q.
func (p Permission) Has(q Permission) bool {
	return p&q == q
}

// String renders the set as "All|Sign|..." or "None".
func (p Permission) String() string {
	var names []string
	for _, pn := range permNames {
		if p.Has(pn.bit) {
			names = append(names, pn.name)
		}
	}
	if len(names) == 0 {
		return "None"
	}
	return strings.Join(names, "|")
}

// ParsePermission parses the String form back into a bitmap. Unknown names
// are ignored.
func ParsePermission(s string) Permission {
	var p Permission
	for _, name := range strings.Split(s, "|") {
		for _, pn := range permNames {
			if pn.name == name {
				p |= pn.bit
			}
		}
	}
	return p
}
