package gatt

import "strings"

// sigBaseSuffix is the tail of the Bluetooth SIG base UUID
// (0000xxxx-0000-1000-8000-00805f9b34fb) after normalization.
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the internal format: lowercase with
// dashes removed, a leading 0x stripped, and full 128-bit UUIDs in the
// Bluetooth SIG base collapsed to their 16-bit short form.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
	u = strings.TrimPrefix(u, "0x")
	if len(u) == 32 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, sigBaseSuffix) {
		return u[4:8]
	}
	return u
}

// ShortenUUID truncates long UUIDs to their first eight characters for display.
func ShortenUUID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}

var knownNames = map[string]string{
	ServiceHealthThermometer:    "Health Thermometer",
	CharTemperatureMeasurement:  "Temperature Measurement",
	CharTemperatureType:         "Temperature Type",
	CharIntermediateTemperature: "Intermediate Temperature",
	CharMeasurementInterval:     "Measurement Interval",
	DescClientConfig:            "Client Characteristic Configuration",
	DescValidRange:              "Valid Range",
}

// KnownName returns the assigned name for a thermometer-profile UUID, or ""
// when the UUID has no name in this profile.
func KnownName(uuid string) string {
	return knownNames[NormalizeUUID(uuid)]
}
