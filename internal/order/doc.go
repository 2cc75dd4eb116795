// Package order holds the item model shared by the ordering and bill flows.
package order
