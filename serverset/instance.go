// Package serverset maps structured service-instance records onto the
// opaque payloads the group package exchanges, and keeps a denormalized view
// of who is in the set.
package serverset

import "encoding/json"

type Status string

const (
	StatusAlive Status = "ALIVE"
	StatusDead  Status = "DEAD"
)

type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Instance is the record a member advertises: its primary endpoint, any
// named auxiliary endpoints, and a liveness status.
type Instance struct {
	ServiceEndpoint     Endpoint            `json:"serviceEndpoint"`
	AdditionalEndpoints map[string]Endpoint `json:"additionalEndpoints,omitempty"`
	Status              Status              `json:"status"`
}

func (i Instance) Marshal() ([]byte, error) {
	return json.Marshal(i)
}

func ParseInstance(data []byte) (Instance, error) {
	var i Instance
	if err := json.Unmarshal(data, &i); err != nil {
		return Instance{}, err
	}
	return i, nil
}
