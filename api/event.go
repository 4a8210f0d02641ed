package api

// UserEvent is a custom event propagated through the gossip pool.
type UserEvent struct {
	// ID is assigned by the server when the event is fired.
	ID string `json:"ID,omitempty"`
	// Name is the event name.
	Name string `json:"Name"`
	// Payload is an opaque body, base64 encoded on the wire.
	Payload []byte `json:"Payload,omitempty"`
	// NodeFilter is a regular expression limiting the receiving nodes.
	NodeFilter string `json:"NodeFilter,omitempty"`
	// ServiceFilter is a regular expression limiting the receiving services.
	ServiceFilter string `json:"ServiceFilter,omitempty"`
	// TagFilter is a regular expression on service tags; requires ServiceFilter.
	TagFilter string `json:"TagFilter,omitempty"`
	Version   int    `json:"Version,omitempty"`
	LTime     uint64 `json:"LTime,omitempty"`
}
