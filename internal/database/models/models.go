package models

// MediaOptions is a decoded media_options column: the extra keys merged
// into every media engine request for a source or destination.
type MediaOptions map[string]any

// MediaEngine represents one rtpengine-compatible control endpoint.
type MediaEngine struct {
	ID              int64
	Host            string
	Port            int
	TimeoutMS       int
	RejectOnFailure bool
	Position        int
}

// Tenant represents an organization keyed by its routing domain.
type Tenant struct {
	ID     int64
	Name   string
	Domain string
}

// Destination represents an egress target owned by a tenant.
type Destination struct {
	ID           int64
	TenantID     int64
	URI          string
	Type         string
	Description  string
	Priority     int
	OptionsPing  bool
	MediaOptions MediaOptions
	AuthUsername string
	AuthPassword string
}

// Route declares that traffic of InboundType may reach destinations of
// OutboundType. Each route is one tier of the failover order.
type Route struct {
	ID           int64
	TenantID     int64
	InboundType  string
	OutboundType string
	Priority     int
}

// Source represents an authorized ingress address.
type Source struct {
	ID           int64
	Address      string // IP address or CIDR
	Type         string
	MediaOptions MediaOptions
}
