package models

import "time"

// Listing is one barter offer exchanged between peers.
type Listing struct {
	ServerID         string    `json:"serverId,omitempty"`
	VendorID         string    `json:"vendorID"`
	ClientID         string    `json:"clientId,omitempty"`
	VendorName       string    `json:"vendorName"`
	Description      string    `json:"description"`
	ProductsInReturn string    `json:"productsInReturn"`
	Image            string    `json:"image,omitempty"`
	Latitude         *float64  `json:"latitude,omitempty"`
	Longitude        *float64  `json:"longitude,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// DedupKey returns the four fields that identify a resubmission of the same offer.
func (l Listing) DedupKey() [4]string {
	return [4]string{l.VendorID, l.VendorName, l.Description, l.ProductsInReturn}
}

// OwnedBy reports whether identity published this listing.
func (l Listing) OwnedBy(identity string) bool {
	return SameOwner(l.VendorID, identity) || SameOwner(l.ClientID, identity)
}
