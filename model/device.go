package model

import "time"

// Device is a registered device. A device with a ParentToken is reached
// through its parent gateway.
type Device struct {
	Token              string                 `json:"token"`
	SpecificationToken string                 `json:"specificationToken"`
	SiteToken          string                 `json:"siteToken,omitempty"`
	ParentToken        string                 `json:"parentToken,omitempty"`
	AssignmentToken    string                 `json:"assignmentToken,omitempty"`
	ElementMappings    []DeviceElementMapping `json:"elementMappings,omitempty"`
	Comments           string                 `json:"comments,omitempty"`
	Metadata           map[string]string      `json:"metadata,omitempty"`
	CreatedAt          time.Time              `json:"createdAt"`
}

// DeviceElementMapping binds a nested device to a slot of its gateway.
type DeviceElementMapping struct {
	Path        string `json:"path"`
	DeviceToken string `json:"deviceToken"`
}

// DeviceSpecification describes a class of devices.
type DeviceSpecification struct {
	Token string `json:"token"`
	Name  string `json:"name"`
}

// Site groups assignments by location.
type Site struct {
	Token     string    `json:"token"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// AssetType is the kind of asset a device is assigned to.
type AssetType string

const (
	AssetTypeUnassociated AssetType = "Unassociated"
	AssetTypeHardware     AssetType = "Hardware"
	AssetTypePerson       AssetType = "Person"
)

// AssignmentStatus is the lifecycle state of an assignment.
type AssignmentStatus string

const (
	AssignmentActive   AssignmentStatus = "Active"
	AssignmentReleased AssignmentStatus = "Released"
	AssignmentMissing  AssignmentStatus = "Missing"
)

// DeviceAssignment attaches a device to a site and, optionally, an asset.
type DeviceAssignment struct {
	Token       string            `json:"token"`
	DeviceToken string            `json:"deviceToken"`
	SiteToken   string            `json:"siteToken,omitempty"`
	AssetType   AssetType         `json:"assetType"`
	AssetID     string            `json:"assetId,omitempty"`
	Status      AssignmentStatus  `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// DeviceStream is a named binary stream owned by an assignment.
type DeviceStream struct {
	AssignmentToken string    `json:"assignmentToken"`
	StreamID        string    `json:"streamId"`
	ContentType     string    `json:"contentType"`
	CreatedAt       time.Time `json:"createdAt"`
}

// DeviceStreamData is one chunk of a stream.
type DeviceStreamData struct {
	AssignmentToken string    `json:"assignmentToken"`
	StreamID        string    `json:"streamId"`
	SequenceNumber  int64     `json:"sequenceNumber"`
	Data            []byte    `json:"data"`
	EventDate       time.Time `json:"eventDate"`
}
