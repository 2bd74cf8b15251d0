package utils

import (
	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
)

// HWID identifies this machine to the map API without exposing the raw
// machine id. Hosts without one get a random id per process.
var HWID = hwid()

func hwid() string {
	id, err := machineid.ProtectedID("geopush")
	if err != nil || id == "" {
		return uuid.NewString()
	}
	if len(id) > 16 {
		id = id[:16]
	}
	return id
}
