package osmapi

import "slices"

const (
	StatusOnline   = "online"
	StatusReadonly = "readonly"
	StatusOffline  = "offline"

	PermissionWriteAPI = "allow_write_api"
)

// Capabilities is the subset of the capabilities document the uploader uses.
type Capabilities struct {
	Version            string
	MaxChangesetSize   int
	MaxWayNodes        int
	MaxRelationMembers int
	DatabaseStatus     string
	APIStatus          string
}

// Online reports whether the API accepts writes.
func (c *Capabilities) Online() bool {
	return c.APIStatus == StatusOnline
}

type capabilitiesResponse struct {
	Version string `json:"version"`
	API     struct {
		Changesets struct {
			MaximumElements int `json:"maximum_elements"`
		} `json:"changesets"`
		Waynodes struct {
			Maximum int `json:"maximum"`
		} `json:"waynodes"`
		Relationmembers struct {
			Maximum int `json:"maximum"`
		} `json:"relationmembers"`
		Status struct {
			Database string `json:"database"`
			API      string `json:"api"`
		} `json:"status"`
	} `json:"api"`
}

func (r *capabilitiesResponse) toCapabilities() *Capabilities {
	return &Capabilities{
		Version:            r.Version,
		MaxChangesetSize:   r.API.Changesets.MaximumElements,
		MaxWayNodes:        r.API.Waynodes.Maximum,
		MaxRelationMembers: r.API.Relationmembers.Maximum,
		DatabaseStatus:     r.API.Status.Database,
		APIStatus:          r.API.Status.API,
	}
}

type Permissions struct {
	Version     string   `json:"version"`
	Permissions []string `json:"permissions"`
}

func (p *Permissions) Has(name string) bool {
	return slices.Contains(p.Permissions, name)
}

// CanWrite reports whether the credentials may upload changes.
func (p *Permissions) CanWrite() bool {
	return p.Has(PermissionWriteAPI)
}
