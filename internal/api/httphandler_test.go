package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"

	"github.com/josephsvk/DRTA/internal/types"
)

func (s *UnitTestSuite) TestHealth() {
	resp := s.do(http.MethodGet, "/health", nil, nil)
	s.Equal(http.StatusOK, resp.StatusCode)
}

func (s *UnitTestSuite) TestVerifyValidCode() {
	resp := s.verify(s.currentCode(), ip(1))
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(map[string]string{"status": "valid"}, decode[map[string]string](s, resp))
}

func (s *UnitTestSuite) TestVerifyInvalidFormat() {
	for i, code := range []string{"12345", "1234567", "12a456", ""} {
		e := s.assertRejection(s.verify(code, ip(10+i)), http.StatusBadRequest, types.ReasonInvalidFormat)
		s.Equal("Invalid TOTP code", e.Message)
	}
}

func (s *UnitTestSuite) TestVerifyWrongCode() {
	wrong := "000000"
	if wrong == s.currentCode() {
		wrong = "999999"
	}
	e := s.assertRejection(s.verify(wrong, ip(2)), http.StatusBadRequest, types.ReasonInvalidCode)
	s.Equal("Invalid TOTP code", e.Message)
}

func (s *UnitTestSuite) TestVerifyMalformedBody() {
	resp := s.do(http.MethodPost, "/verify-totp", []byte("{code"), nil)
	s.assertRejection(resp, http.StatusBadRequest, types.ReasonMalformedInput)

	resp = s.do(http.MethodPost, "/verify-totp", nil, nil)
	s.assertRejection(resp, http.StatusBadRequest, types.ReasonMalformedInput)
}

func (s *UnitTestSuite) TestVerifyAttemptsAreLimitedPerIP() {
	for i := 0; i < s.cfg.VerifyAttemptsPerMinute; i++ {
		resp := s.verify("12345", ip(3))
		s.Equal(http.StatusBadRequest, resp.StatusCode)
	}
	resp := s.verify(s.currentCode(), ip(3))
	s.Equal(http.StatusTooManyRequests, resp.StatusCode)

	resp = s.verify(s.currentCode(), ip(4))
	s.Equal(http.StatusOK, resp.StatusCode)
}

func (s *UnitTestSuite) TestForwardedForIgnoredFromUntrustedPeer() {
	s.cfg.TrustedProxies = nil
	s.start()

	statuses := map[int]int{}
	for i := 0; i < 20; i++ {
		statuses[s.verify("12345", ip(i)).StatusCode]++
	}
	s.Equal(map[int]int{http.StatusBadRequest: 3, http.StatusTooManyRequests: 17}, statuses)
}

func (s *UnitTestSuite) TestForwardedForKeysOnLastUntrustedHop() {
	statuses := map[int]int{}
	for i := 0; i < 10; i++ {
		resp := s.postJSON("/verify-totp", map[string]string{"code": "12345"},
			map[string]string{"X-Forwarded-For": fmt.Sprintf("192.0.2.%d, 10.0.0.9", i)})
		statuses[resp.StatusCode]++
	}
	s.Equal(map[int]int{http.StatusBadRequest: 3, http.StatusTooManyRequests: 7}, statuses)
}

func (s *UnitTestSuite) TestClientIP() {
	h := &Handler{proxies: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}}
	for _, tc := range []struct {
		remote, xff, want string
	}{
		{"192.0.2.1:4000", "", "192.0.2.1"},
		{"192.0.2.1:4000", "198.51.100.7", "192.0.2.1"},
		{"10.1.1.1:4000", "", "10.1.1.1"},
		{"10.1.1.1:4000", "198.51.100.7", "198.51.100.7"},
		{"10.1.1.1:4000", "6.6.6.6, 198.51.100.7, 10.2.2.2", "198.51.100.7"},
		{"10.1.1.1:4000", "10.3.3.3, 10.2.2.2", "10.3.3.3"},
		{"10.1.1.1:4000", "garbage, 10.2.2.2", "10.2.2.2"},
	} {
		r := httptest.NewRequest(http.MethodPost, "/verify-totp", nil)
		r.RemoteAddr = tc.remote
		if tc.xff != "" {
			r.Header.Set("X-Forwarded-For", tc.xff)
		}
		s.Equal(tc.want, h.clientIP(r), tc.remote+" "+tc.xff)
	}
}

func (s *UnitTestSuite) TestEnroll() {
	resp := s.postJSON("/enroll", validDescriptor(), nil)
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	rec := decode[EnrollResponse](s, resp)

	s.Equal("sensor-1", rec.DeviceName)
	s.Equal(8000, rec.Port)
	s.Equal("fd00::1", rec.Address)
	s.Equal("greenhouse", rec.Location)
	s.Equal("humidity", rec.Function)
	s.NotEmpty(rec.UniqueID)
	s.Len(s.records(), 1)
}

func (s *UnitTestSuite) TestEnrollSnakeCaseDescriptor() {
	resp := s.postJSON("/enroll", map[string]any{
		"device_name": "sensor-2",
		"ipv6_prefix": "FD00::/48",
		"location":    "roof",
		"function":    "camera",
		"mac_address": "aa:bb:cc:dd:ee:ff",
	}, nil)
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	s.Equal("sensor-2", decode[EnrollResponse](s, resp).DeviceName)
}

func (s *UnitTestSuite) TestEnrollPrefixMismatch() {
	d := validDescriptor()
	d["ipv6Prefix"] = "fd01::/48"
	s.assertRejection(s.postJSON("/enroll", d, nil), http.StatusBadRequest, types.ReasonPrefixMismatch)
	s.Empty(s.records())
}

func (s *UnitTestSuite) TestEnrollMalformed() {
	d := validDescriptor()
	delete(d, "location")
	s.assertRejection(s.postJSON("/enroll", d, nil), http.StatusBadRequest, types.ReasonMalformedInput)

	resp := s.do(http.MethodPost, "/enroll", []byte("not json"), nil)
	s.assertRejection(resp, http.StatusBadRequest, types.ReasonMalformedInput)
	s.Empty(s.records())
}

func (s *UnitTestSuite) TestEnrollUntilPortsRunOut() {
	for _, want := range []int{8000, 8001, 8002} {
		resp := s.postJSON("/enroll", validDescriptor(), nil)
		s.Require().Equal(http.StatusCreated, resp.StatusCode)
		s.Equal(want, decode[EnrollResponse](s, resp).Port)
	}
	s.assertRejection(s.postJSON("/enroll", validDescriptor(), nil), http.StatusServiceUnavailable, types.ReasonPortRangeExhausted)
	s.Len(s.records(), 3)
}

func (s *UnitTestSuite) TestEnrollRequiresTOTPWhenConfigured() {
	s.cfg.EnrollRequireTOTP = true
	s.start()

	s.assertRejection(s.postJSON("/enroll", validDescriptor(), nil), http.StatusBadRequest, types.ReasonInvalidFormat)
	s.Empty(s.records())

	resp := s.postJSON("/enroll", validDescriptor(), map[string]string{types.TOTPHdrName: s.currentCode()})
	s.Equal(http.StatusCreated, resp.StatusCode)
}

func (s *UnitTestSuite) TestEnrollMethodNotAllowed() {
	resp := s.do(http.MethodGet, "/enroll", nil, nil)
	s.Equal(http.StatusMethodNotAllowed, resp.StatusCode)
}

func (s *UnitTestSuite) TestProcessFormData() {
	resp := s.upload("file", []byte(`{"device_name":"pi","ipv6_prefix":"fd00::/48","location":"lab","function":"gw"}`))
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	out := decode[formResponse](s, resp)
	s.Equal("Data processed successfully", out.Message)
	s.Equal("pi", out.Data.DeviceName)
	s.Equal(8000, out.Data.Port)
	s.Equal("fd00::1", out.Data.IPv6Address)
	s.NotEmpty(out.Data.UniqueID)
}

func (s *UnitTestSuite) TestProcessFormDataMissingFile() {
	resp := s.upload("other", []byte(`{}`))
	s.assertRejection(resp, http.StatusBadRequest, types.ReasonMalformedInput)
	s.Empty(s.records())
}

func (s *UnitTestSuite) TestAdminRecords() {
	resp := s.postJSON("/enroll", validDescriptor(), nil)
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	enrolled := decode[EnrollResponse](s, resp)

	resp = s.admin(http.MethodGet, "/records")
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	recs := decode[[]types.EnrollmentRecord](s, resp)
	s.Require().Len(recs, 1)
	s.Equal(enrolled.UniqueID, recs[0].UniqueID)
	s.Positive(recs[0].ID)
	s.False(recs[0].CreatedAt.IsZero())

	resp = s.admin(http.MethodGet, "/records/"+enrolled.UniqueID)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Equal(enrolled.Port, decode[types.EnrollmentRecord](s, resp).Port)

	resp = s.admin(http.MethodDelete, "/records/"+enrolled.UniqueID)
	s.Equal(http.StatusNoContent, resp.StatusCode)

	resp = s.admin(http.MethodGet, "/records/"+enrolled.UniqueID)
	s.Equal(http.StatusNotFound, resp.StatusCode)
	resp = s.admin(http.MethodDelete, "/records/"+enrolled.UniqueID)
	s.Equal(http.StatusNotFound, resp.StatusCode)

	resp = s.admin(http.MethodGet, "/records")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Empty(decode[[]types.EnrollmentRecord](s, resp))
}

func (s *UnitTestSuite) TestAdminRequiresToken() {
	resp := s.do(http.MethodGet, "/records", nil, nil)
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
	resp = s.do(http.MethodGet, "/records", nil, map[string]string{types.AdminHdrName: "wrong"})
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func (s *UnitTestSuite) TestAdminDisabledWithoutToken() {
	s.cfg.AdminToken = ""
	s.start()
	resp := s.do(http.MethodGet, "/records", nil, map[string]string{types.AdminHdrName: ""})
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *UnitTestSuite) TestLargeResponsesAreCompressed() {
	s.cfg.PortRangeEnd = 8040
	s.start()
	for i := 0; i < 30; i++ {
		resp := s.postJSON("/enroll", validDescriptor(), nil)
		s.Require().Equal(http.StatusCreated, resp.StatusCode)
	}
	resp := s.do(http.MethodGet, "/records", nil, map[string]string{
		types.AdminHdrName: TestAdminToken,
		"Accept-Encoding":  "gzip",
	})
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("gzip", resp.Header.Get("Content-Encoding"))
}
