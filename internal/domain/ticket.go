package domain

import (
	"time"

	"github.com/google/uuid"
)

type Ticket struct {
	ID                uuid.UUID
	TicketTypeID      uuid.UUID
	EventID           uuid.UUID
	OrderID           uuid.UUID
	Owner             string
	OwnerName         string
	PurchasePrice     int64
	Signature         string
	PDFVersion        int
	IsUsed            bool
	UsedAt            *time.Time
	EligibleForResale bool
	AssetToken        string
	ClaimedBy         string
	SupersededBy      uuid.UUID
	PreviousTicketID  uuid.UUID
	IssuedAt          time.Time
}

func (t Ticket) Superseded() bool {
	return t.SupersededBy != uuid.Nil
}

type ListingStatus string

const (
	ListingActive    ListingStatus = "ACTIVE"
	ListingSold      ListingStatus = "SOLD"
	ListingCancelled ListingStatus = "CANCELLED"
)

type ResaleListing struct {
	ID        uuid.UUID
	TicketID  uuid.UUID
	EventID   uuid.UUID
	Seller    string
	Price     int64
	Status    ListingStatus
	CreatedAt time.Time
	SoldAt    *time.Time
}

type BlacklistEntry struct {
	TicketID  uuid.UUID
	EventID   uuid.UUID
	Reason    string
	CreatedAt time.Time
}

// ScanResult is the terminal code of one scan attempt.
type ScanResult string

const (
	ScanSuccess          ScanResult = "SUCCESS"
	ScanInvalidSignature ScanResult = "INVALID_SIGNATURE"
	ScanBlacklisted      ScanResult = "BLACKLISTED"
	ScanNotFound         ScanResult = "NOT_FOUND"
	ScanWrongEvent       ScanResult = "WRONG_EVENT"
	ScanAlreadyUsed      ScanResult = "ALREADY_USED"
)

func ParseScanResult(s string) (ScanResult, bool) {
	switch r := ScanResult(s); r {
	case ScanSuccess, ScanInvalidSignature, ScanBlacklisted, ScanNotFound, ScanWrongEvent, ScanAlreadyUsed:
		return r, true
	}
	return "", false
}

type ScanSource string

const (
	ScanOnline  ScanSource = "ONLINE"
	ScanOffline ScanSource = "OFFLINE"
)

// ScanLog is append-only.
type ScanLog struct {
	ID        uuid.UUID
	TicketID  uuid.UUID
	EventID   uuid.UUID
	Result    ScanResult
	Device    string
	Source    ScanSource
	ScannedAt time.Time
}
