package enroll

import (
	"strings"

	"github.com/goccy/go-json"
	"github.com/josephsvk/DRTA/internal/types"
)

// Field expressions accept both the camelCase request layout and the
// snake_case layout written by the device setup tool.
const (
	DeviceNameExpr = "deviceName || device_name"
	PrefixExpr     = "ipv6Prefix || ipv6_prefix"
	LocationExpr   = "location"
	FunctionExpr   = "function"
)

// ParseDescriptor decodes a device descriptor from a JSON document. Unknown
// fields are ignored. Any decoding problem is a malformed_input rejection.
func ParseDescriptor(body []byte) (types.Descriptor, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return types.Descriptor{}, types.Reject(types.ReasonMalformedInput, err, "descriptor is not a JSON object")
	}
	return DescriptorFromMap(payload)
}

func DescriptorFromMap(payload map[string]any) (types.Descriptor, error) {
	var d types.Descriptor
	for _, f := range []struct {
		expr string
		name string
		dst  *string
	}{
		{DeviceNameExpr, "deviceName", &d.DeviceName},
		{PrefixExpr, "ipv6Prefix", &d.IPv6Prefix},
		{LocationExpr, "location", &d.Location},
		{FunctionExpr, "function", &d.Function},
	} {
		v, err := EvalAny(f.expr, payload)
		if err != nil {
			return types.Descriptor{}, types.Reject(types.ReasonMalformedInput, err, "")
		}
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return types.Descriptor{}, types.Reject(types.ReasonMalformedInput, nil, "%s must be a string", f.name)
		}
		*f.dst = s
	}
	return d, nil
}

// validate reports the first required field that is empty after trimming.
func validate(d types.Descriptor) error {
	for _, f := range []struct {
		name  string
		value string
	}{
		{"deviceName", d.DeviceName},
		{"ipv6Prefix", d.IPv6Prefix},
		{"location", d.Location},
		{"function", d.Function},
	} {
		if strings.TrimSpace(f.value) == "" {
			return types.Reject(types.ReasonMalformedInput, nil, "%s is required", f.name)
		}
	}
	return nil
}
