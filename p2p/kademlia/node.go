package kademlia

import (
	"bytes"
	"fmt"
	"math/big"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/btcsuite/btcutil/base58"

	"github.com/LumeraProtocol/ledgernode/pkg/utils"
)

const (
	// B is the width of an identifier in bits
	B = utils.DigestSize * 8

	// K is the default bucket size and lookup width
	K = 20

	// Alpha is the default number of parallel calls per crawl round
	Alpha = 3
)

// Node is the over-the-wire representation of a DHT participant
type Node struct {
	// ID is the digest of VK
	ID []byte `msgpack:"id"`

	// IP address of the node
	IP string `msgpack:"ip"`

	// Port of the node
	Port uint16 `msgpack:"port"`

	// VK is the verifying key; it may be absent on partially resolved nodes
	VK []byte `msgpack:"vk,omitempty"`
}

// NewNode returns a node with a known id but unknown verifying key.
func NewNode(id []byte, ip string, port uint16) *Node {
	return &Node{ID: append([]byte(nil), id...), IP: ip, Port: port}
}

// NewNodeFromVK derives the node id from its verifying key.
func NewNodeFromVK(vk []byte, ip string, port uint16) *Node {
	return &Node{ID: utils.Digest(vk), IP: ip, Port: port, VK: append([]byte(nil), vk...)}
}

func (s *Node) String() string {
	return fmt.Sprintf("%v-%v:%d", base58.Encode(s.ID), s.IP, s.Port)
}

// Address returns ip:port.
func (s *Node) Address() string {
	return net.JoinHostPort(s.IP, strconv.Itoa(int(s.Port)))
}

// UDPAddr resolves the node's address.
func (s *Node) UDPAddr() (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", s.Address())
}

// Clone returns a deep copy so callers never share slices with the routing table.
func (s *Node) Clone() *Node {
	if s == nil {
		return nil
	}
	c := *s
	c.ID = append([]byte(nil), s.ID...)
	if s.VK != nil {
		c.VK = append([]byte(nil), s.VK...)
	}
	return &c
}

// Equal compares nodes by id only.
func (s *Node) Equal(o *Node) bool {
	if s == nil || o == nil {
		return s == o
	}
	return bytes.Equal(s.ID, o.ID)
}

// IdentityConsistent reports whether ID == Digest(VK). A node without VK is
// consistent as long as its id has the right width.
func (s *Node) IdentityConsistent() bool {
	if len(s.ID) != utils.DigestSize {
		return false
	}
	if len(s.VK) == 0 {
		return true
	}
	return bytes.Equal(s.ID, utils.Digest(s.VK))
}

// DistanceTo returns the xor distance between s and o as an integer.
func (s *Node) DistanceTo(o *Node) *big.Int {
	return new(big.Int).SetBytes(Distance(s.ID, o.ID))
}

// Distance is the xor of a and b. Inputs shorter than an identifier are
// left-padded with zeros.
func Distance(a, b []byte) []byte {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		var x, y byte
		if j := i - (n - len(a)); j >= 0 {
			x = a[j]
		}
		if j := i - (n - len(b)); j >= 0 {
			y = b[j]
		}
		out[i] = x ^ y
	}
	return out
}

// CompareDistance orders a and b by xor distance to target, then by id.
// It returns -1, 0 or 1.
func CompareDistance(target, a, b []byte) int {
	da := Distance(target, a)
	db := Distance(target, b)
	if c := bytes.Compare(da, db); c != 0 {
		return c
	}
	return bytes.Compare(a, b)
}

// commonPrefixLen returns the number of leading bits a and b share.
func commonPrefixLen(a, b []byte) int {
	d := Distance(a, b)
	for i, v := range d {
		if v == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if v&(0x80>>uint(bit)) != 0 {
				return i*8 + bit
			}
		}
	}
	return len(d) * 8
}

// NodeList is a shortlist of nodes ordered by distance to Comparator
type NodeList struct {
	Nodes []*Node

	// Comparator is the id the list is sorted against
	Comparator []byte
}

func (s *NodeList) String() string {
	nodes := make([]string, 0, len(s.Nodes))
	for _, node := range s.Nodes {
		nodes = append(nodes, node.String())
	}
	return strings.Join(nodes, ",")
}

// Len returns the number of nodes.
func (s *NodeList) Len() int {
	return len(s.Nodes)
}

// Exists reports whether a node with the same id is in the list.
func (s *NodeList) Exists(node *Node) bool {
	return s.indexOf(node.ID) >= 0
}

// Get returns the list entry with the given id.
func (s *NodeList) Get(id []byte) *Node {
	if i := s.indexOf(id); i >= 0 {
		return s.Nodes[i]
	}
	return nil
}

func (s *NodeList) indexOf(id []byte) int {
	for i, item := range s.Nodes {
		if bytes.Equal(item.ID, id) {
			return i
		}
	}
	return -1
}

// AddNodes appends nodes that are not in the list yet. Entries with a
// malformed id are skipped. It returns how many were added.
func (s *NodeList) AddNodes(nodes []*Node) int {
	added := 0
	for _, node := range nodes {
		if node == nil || len(node.ID) != utils.DigestSize {
			continue
		}
		if i := s.indexOf(node.ID); i >= 0 {
			// backfill a verifying key learnt from another hop
			if len(s.Nodes[i].VK) == 0 && len(node.VK) > 0 {
				s.Nodes[i].VK = append([]byte(nil), node.VK...)
			}
			continue
		}
		s.Nodes = append(s.Nodes, node)
		added++
	}
	return added
}

// DelNode removes the node with the same id.
func (s *NodeList) DelNode(node *Node) {
	if i := s.indexOf(node.ID); i >= 0 {
		s.Nodes = append(s.Nodes[:i], s.Nodes[i+1:]...)
	}
}

// Sort orders the list by (distance to Comparator, id).
func (s *NodeList) Sort() {
	sort.SliceStable(s.Nodes, func(i, j int) bool {
		return CompareDistance(s.Comparator, s.Nodes[i].ID, s.Nodes[j].ID) < 0
	})
}

// TopN keeps the first n nodes.
func (s *NodeList) TopN(n int) {
	if n >= 0 && len(s.Nodes) > n {
		s.Nodes = s.Nodes[:n]
	}
}

// Closest returns the first node or nil.
func (s *NodeList) Closest() *Node {
	if len(s.Nodes) == 0 {
		return nil
	}
	return s.Nodes[0]
}

// Furthest returns the last node or nil.
func (s *NodeList) Furthest() *Node {
	if len(s.Nodes) == 0 {
		return nil
	}
	return s.Nodes[len(s.Nodes)-1]
}

// Clone copies the list and its nodes.
func (s *NodeList) Clone() *NodeList {
	out := &NodeList{Comparator: append([]byte(nil), s.Comparator...)}
	out.Nodes = make([]*Node, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		out.Nodes = append(out.Nodes, n.Clone())
	}
	return out
}
