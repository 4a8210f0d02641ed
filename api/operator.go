package api

// RaftServer is one voter or non-voter in the Raft configuration.
type RaftServer struct {
	ID      string `json:"ID"`
	Node    string `json:"Node"`
	Address string `json:"Address"`
	Leader  bool   `json:"Leader"`
	Voter   bool   `json:"Voter"`
}

// RaftConfiguration is returned by GET /v1/operator/raft/configuration.
type RaftConfiguration struct {
	Servers []*RaftServer `json:"Servers"`
	Index   uint64        `json:"Index"`
}

// KeyringRequest is the body of the keyring install/use/remove calls.
type KeyringRequest struct {
	Key string `json:"Key"`
}

// KeyringResponse lists gossip encryption keys for one pool.
type KeyringResponse struct {
	WAN        bool           `json:"WAN"`
	Datacenter string         `json:"Datacenter"`
	Keys       map[string]int `json:"Keys"`
	NumNodes   int            `json:"NumNodes"`
}
