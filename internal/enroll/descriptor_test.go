package enroll

import (
	"github.com/josephsvk/DRTA/internal/types"
)

func (s *UnitTestSuite) TestParseDescriptorCamelCase() {
	d, err := ParseDescriptor([]byte(`{"deviceName":"pi","ipv6Prefix":"fd00::/48","location":"roof","function":"cam"}`))
	s.NoError(err)
	s.Equal(types.Descriptor{DeviceName: "pi", IPv6Prefix: "fd00::/48", Location: "roof", Function: "cam"}, d)
}

func (s *UnitTestSuite) TestParseDescriptorSnakeCaseWithExtras() {
	d, err := ParseDescriptor([]byte(`{
		"device_name": "pi",
		"ipv6_prefix": "fd00::/48",
		"location": "roof",
		"function": "cam",
		"mac_address": "aa:bb:cc:dd:ee:ff",
		"port": 8000
	}`))
	s.NoError(err)
	s.Equal("pi", d.DeviceName)
	s.Equal("fd00::/48", d.IPv6Prefix)
}

func (s *UnitTestSuite) TestParseDescriptorMissingFieldsStayEmpty() {
	d, err := ParseDescriptor([]byte(`{"deviceName":"pi"}`))
	s.NoError(err)
	s.Equal("pi", d.DeviceName)
	s.Empty(d.Location)
}

func (s *UnitTestSuite) TestParseDescriptorRejects() {
	for _, body := range []string{
		`not json`,
		`["deviceName"]`,
		`{"deviceName": 42, "ipv6Prefix":"fd00::/48","location":"a","function":"b"}`,
	} {
		_, err := ParseDescriptor([]byte(body))
		s.ErrorIs(err, types.ErrMalformedInput, body)
	}
}

func (s *UnitTestSuite) TestEvalAny() {
	obj := map[string]any{
		"key1": "value1",
		"key2": map[string]any{
			"subkey1": "subvalue1",
		},
		"key3": []any{"elem1", "elem2"},
	}

	v, err := EvalAny("key2.subkey1", obj)
	s.NoError(err)
	s.Equal("subvalue1", v.(string))

	v, err = EvalAny("missing || key1", obj)
	s.NoError(err)
	s.Equal("value1", v.(string))

	v, err = EvalAny("nonexistent", obj)
	s.NoError(err)
	s.Nil(v)

	v, err = EvalAny("contains(key3, 'elem2')", obj)
	s.NoError(err)
	s.Equal(true, v.(bool))

	_, err = EvalAny("key1[", obj)
	s.Error(err)
}
