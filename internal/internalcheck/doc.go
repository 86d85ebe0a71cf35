// Package internalcheck holds static policy tests over the module's own packages.
package internalcheck
