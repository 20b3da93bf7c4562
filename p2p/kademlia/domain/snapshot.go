package domain

import "time"

// Contact is the persisted form of a routing table entry.
type Contact struct {
	ID   []byte `db:"id"`
	IP   string `db:"ip"`
	Port uint16 `db:"port"`
	VK   []byte `db:"vk"`
}

// Snapshot is the state written by the DHT so a fresh process can use its
// previous neighbors as extra bootstrap seeds.
type Snapshot struct {
	K         int
	Alpha     int
	ID        []byte
	Neighbors []Contact
	SavedAt   time.Time
}
