package container

import (
	"fmt"

	"github.com/dedupcore/engine/pkg/oplog"
)

// Address is the tagged union described in spec.md §9 ("Tagged container
// addresses"): a container id resolves either directly to file coordinates
// (Primary) or to another container id that must be looked up again
// (Redirect, installed after a merge). Exactly one of the two forms is
// populated; IsRedirect says which.
type Address struct {
	IsRedirect bool

	// Populated when IsRedirect is false.
	FileIndex  uint32
	FileOffset uint64

	// Populated when IsRedirect is true.
	PrimaryID uint64

	LogID uint64
}

// NewPrimaryAddress builds a direct (file_index, file_offset) address.
func NewPrimaryAddress(fileIndex uint32, fileOffset uint64, logID uint64) Address {
	return Address{FileIndex: fileIndex, FileOffset: fileOffset, LogID: logID}
}

// NewRedirectAddress builds a redirection entry pointing at primaryID.
func NewRedirectAddress(primaryID uint64, logID uint64) Address {
	return Address{IsRedirect: true, PrimaryID: primaryID, LogID: logID}
}

func (a Address) String() string {
	if a.IsRedirect {
		return fmt.Sprintf("redirect(primary=%d, log=%d)", a.PrimaryID, a.LogID)
	}
	return fmt.Sprintf("primary(file=%d, offset=%d, log=%d)", a.FileIndex, a.FileOffset, a.LogID)
}

// ToWire converts the address to the OpLog's leaf-dependency wire copy.
func (a Address) ToWire() oplog.ContainerAddressData {
	return oplog.ContainerAddressData{
		IsRedirect: a.IsRedirect,
		FileIndex:  a.FileIndex,
		FileOffset: a.FileOffset,
		PrimaryID:  a.PrimaryID,
		LogID:      a.LogID,
	}
}

// AddressFromWire reconstructs an Address from the OpLog wire copy.
func AddressFromWire(d oplog.ContainerAddressData) Address {
	return Address{
		IsRedirect: d.IsRedirect,
		FileIndex:  d.FileIndex,
		FileOffset: d.FileOffset,
		PrimaryID:  d.PrimaryID,
		LogID:      d.LogID,
	}
}
