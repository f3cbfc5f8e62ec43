package models

// Device is a speaker profile from the voice-assistant device list.
type Device struct {
	DeviceID        string `json:"deviceID"`
	SerialNumber    string `json:"serialNumber"`
	Name            string `json:"name"`
	Alias           string `json:"alias"`
	Presence        string `json:"presence"` // "online" or "offline"
	MiotDID         string `json:"miotDID"`
	Hardware        string `json:"hardware"`
	DeviceSNProfile string `json:"deviceSNProfile"`
	DeviceProfile   string `json:"deviceProfile"`
	BrokerEndpoint  string `json:"brokerEndpoint"`
	BrokerIndex     int    `json:"brokerIndex"`
	MAC             string `json:"mac"`
	SSID            string `json:"ssid"`
}

// Matches reports whether id refers to this device by id, name or alias.
func (d *Device) Matches(id string) bool {
	return id == d.DeviceID || id == d.Name || id == d.Alias
}
