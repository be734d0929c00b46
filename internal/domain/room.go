package domain

import "time"

// SavedRoom is a shopper's persisted room photo plus its cleaned derivative.
// Rooms are consumed as pre-existing inputs; the render pipeline never
// mutates them.
type SavedRoom struct {
	ID         string
	ShopID     string
	OwnerID    string
	ImageKey   string
	CleanedKey string
	MaskKey    string
	CreatedAt  time.Time
}

// SavedRoomOwner identifies the shopper a room belongs to. Owners are keyed
// by email, unique per shop.
type SavedRoomOwner struct {
	ID        string
	ShopID    string
	Email     string
	CreatedAt time.Time
}
