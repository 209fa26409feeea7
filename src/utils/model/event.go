package model

const TableEvents = "events"

// Event is one immutable, content-addressed message of the network.
// Id is the sha256 of the canonical serialization, so conflicting
// inserts of the same id are just dropped (first writer wins).
type Event struct {
	Id        string `gorm:"primaryKey"`
	Pubkey    string
	CreatedAt int64
	Kind      int
	Tags      Tags `gorm:"type:jsonb"`
	Content   string
	Sig       string
}

func (Event) TableName() string {
	return TableEvents
}
