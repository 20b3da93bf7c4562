package kademlia

import "time"

const recentEntriesLimit = 10

// RecentRPCEntry captures a handled inbound request
type RecentRPCEntry struct {
	TimeUnix   int64  `json:"time_unix"`
	Type       string `json:"type"`
	SenderID   string `json:"sender_id"`
	SenderIP   string `json:"sender_ip"`
	DurationMS int64  `json:"duration_ms"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
}

func (s *Network) appendRecentEntry(ip string, e RecentRPCEntry) {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()
	if s.recentByIP == nil {
		s.recentByIP = make(map[string][]RecentRPCEntry)
	}
	s.recentOverall = append([]RecentRPCEntry{e}, s.recentOverall...)
	if len(s.recentOverall) > recentEntriesLimit {
		s.recentOverall = s.recentOverall[:recentEntriesLimit]
	}
	lst := append([]RecentRPCEntry{e}, s.recentByIP[ip]...)
	if len(lst) > recentEntriesLimit {
		lst = lst[:recentEntriesLimit]
	}
	s.recentByIP[ip] = lst
}

func (s *Network) recordInbound(msg *Message, started time.Time, err error) {
	e := RecentRPCEntry{
		TimeUnix:   started.Unix(),
		Type:       msg.MessageType.String(),
		SenderID:   msg.Sender.String(),
		SenderIP:   msg.Sender.IP,
		DurationMS: time.Since(started).Milliseconds(),
		OK:         err == nil,
	}
	if err != nil {
		e.Error = err.Error()
	}
	s.appendRecentEntry(msg.Sender.IP, e)
}

// RecentRPCSnapshot returns copies of recent inbound entries (overall and by IP)
func (s *Network) RecentRPCSnapshot() (overall []RecentRPCEntry, byIP map[string][]RecentRPCEntry) {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()
	overall = append([]RecentRPCEntry(nil), s.recentOverall...)
	byIP = make(map[string][]RecentRPCEntry, len(s.recentByIP))
	for k, v := range s.recentByIP {
		byIP[k] = append([]RecentRPCEntry(nil), v...)
	}
	return
}
