package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResourceIdentity_URI(t *testing.T) {
	tests := []struct {
		name     string
		resource ResourceIdentity
		wantPath string
		wantURI  string
	}{
		{
			name:     "device scope",
			resource: ResourceIdentity{Host: "myhub.azure-devices.net", DeviceID: "dev1"},
			wantPath: "/devices/dev1",
			wantURI:  "myhub.azure-devices.net/devices/dev1",
		},
		{
			name:     "service entity",
			resource: ResourceIdentity{Host: "myhub.azure-devices.net", EntityPath: "/messages/devicebound"},
			wantPath: "/messages/devicebound",
			wantURI:  "myhub.azure-devices.net/messages/devicebound",
		},
		{
			name:     "device entity without leading slash",
			resource: ResourceIdentity{Host: "h", DeviceID: "d", EntityPath: "messages/events"},
			wantPath: "/devices/d/messages/events",
			wantURI:  "h/devices/d/messages/events",
		},
		{
			name:     "host only",
			resource: ResourceIdentity{Host: "h"},
			wantPath: "",
			wantURI:  "h",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantPath, tt.resource.Path())
			assert.Equal(t, tt.wantURI, tt.resource.URI())
		})
	}
}
