package types

import "time"

// EnrollmentRecord is one issued (port, address, identifier) triple. Records
// are written once by the enrollment engine and never mutated; only an
// administrative delete removes them.
type EnrollmentRecord struct {
	// ID is assigned by the store and never reused.
	ID         int64     `json:"id" dynamodbav:"id"`
	DeviceName string    `json:"deviceName" dynamodbav:"device_name"`
	Address    string    `json:"address" dynamodbav:"address"`
	Port       int       `json:"port" dynamodbav:"port"`
	Location   string    `json:"location" dynamodbav:"location"`
	Function   string    `json:"function" dynamodbav:"function"`
	UniqueID   string    `json:"uniqueId" dynamodbav:"unique_id"`
	CreatedAt  time.Time `json:"createdAt" dynamodbav:"created_at"`
}

// Descriptor is the device-supplied enrollment request.
type Descriptor struct {
	DeviceName string `json:"deviceName"`
	IPv6Prefix string `json:"ipv6Prefix"`
	Location   string `json:"location"`
	Function   string `json:"function"`
}
