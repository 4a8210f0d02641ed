package api

// SerfCoordinate is a network coordinate in the Vivaldi model.
type SerfCoordinate struct {
	Vec        []float64 `json:"Vec"`
	Error      float64   `json:"Error"`
	Adjustment float64   `json:"Adjustment"`
	Height     float64   `json:"Height"`
}

// CoordinateEntry pairs a node with its coordinate.
type CoordinateEntry struct {
	Node  string          `json:"Node"`
	Coord *SerfCoordinate `json:"Coord"`
}

// CoordinateDatacenterMap holds the WAN coordinates of the servers in a datacenter.
type CoordinateDatacenterMap struct {
	Datacenter  string             `json:"Datacenter"`
	Coordinates []*CoordinateEntry `json:"Coordinates"`
}
