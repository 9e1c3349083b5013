package models

import "strings"

// ResourceIdentity identifies the audience a token or link addresses.
type ResourceIdentity struct {
	Host       string // IoT Hub host name, e.g. myhub.azure-devices.net
	EntityPath string // optional entity path, e.g. /messages/devicebound
	DeviceID   string // optional; scopes the resource under /devices/<id>
}

// Path returns the resource path without the host.
func (r ResourceIdentity) Path() string {
	var b strings.Builder
	if r.DeviceID != "" {
		b.WriteString("/devices/")
		b.WriteString(r.DeviceID)
	}
	if r.EntityPath != "" {
		if !strings.HasPrefix(r.EntityPath, "/") {
			b.WriteByte('/')
		}
		b.WriteString(r.EntityPath)
	}
	return b.String()
}

// URI returns the resource URI used as both signed resource and CBS audience.
func (r ResourceIdentity) URI() string {
	return r.Host + r.Path()
}

// SigningKey is a shared access policy or device key.
type SigningKey struct {
	KeyName string // empty for device keys
	Key     string // base64
}
