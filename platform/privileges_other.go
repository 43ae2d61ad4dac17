//go:build !linux

package platform

// CheckPrivileges is a no-op outside linux: WMI reports access problems at
// Connect and the poll backend needs none.
func CheckPrivileges(backend string) error { return nil }
